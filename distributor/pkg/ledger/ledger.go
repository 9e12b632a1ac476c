package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"slices"
)

// Entry is a single recipient and the amount of tokens owed to it.
type Entry struct {
	Address string
	Amount  float64
}

// Ledger is an ordered mapping of recipient address to owed amount.
// Keys are unique and iteration follows insertion order.
type Ledger struct {
	// order holds addresses in insertion order; a removed address leaves an
	// empty slot until the next compaction.
	order   []string
	index   map[string]int
	amounts map[string]float64
	holes   int
}

func New() *Ledger {
	return &Ledger{index: make(map[string]int), amounts: make(map[string]float64)}
}

// FromEntries builds a ledger from entries, rejecting duplicate addresses.
func FromEntries(entries []Entry) (*Ledger, error) {
	l := New()
	for _, e := range entries {
		if err := l.Add(e.Address, e.Amount); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Add appends a recipient. Adding an address twice is an error.
func (l *Ledger) Add(address string, amount float64) error {
	if address == "" {
		return errors.New("address is required")
	}
	if _, ok := l.amounts[address]; ok {
		return fmt.Errorf("duplicate address %q", address)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return fmt.Errorf("invalid amount %v for address %q", amount, address)
	}
	l.append(address, amount)
	return nil
}

func (l *Ledger) append(address string, amount float64) {
	l.index[address] = len(l.order)
	l.order = append(l.order, address)
	l.amounts[address] = amount
}

// addresses returns the live addresses in order.
func (l *Ledger) addresses() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, addr := range l.order {
			if addr == "" {
				continue
			}
			if !yield(addr) {
				return
			}
		}
	}
}

func (l *Ledger) Len() int {
	return len(l.amounts)
}

func (l *Ledger) Has(address string) bool {
	_, ok := l.amounts[address]
	return ok
}

func (l *Ledger) Amount(address string) (float64, bool) {
	a, ok := l.amounts[address]
	return a, ok
}

// Remove drops an address from the ledger in constant amortized time.
// Removing an unknown address is a no-op.
func (l *Ledger) Remove(address string) {
	pos, ok := l.index[address]
	if !ok {
		return
	}
	l.order[pos] = ""
	delete(l.index, address)
	delete(l.amounts, address)
	l.holes++
	if l.holes > len(l.order)/2 {
		l.compact()
	}
}

func (l *Ledger) compact() {
	order := make([]string, 0, len(l.amounts))
	for addr := range l.addresses() {
		l.index[addr] = len(order)
		order = append(order, addr)
	}
	l.order = order
	l.holes = 0
}

// Merge adds every entry of other that is not already present.
func (l *Ledger) Merge(other *Ledger) {
	for _, e := range other.Entries() {
		if l.Has(e.Address) {
			continue
		}
		l.append(e.Address, e.Amount)
	}
}

// Without returns a copy of the ledger minus every address present in done.
func (l *Ledger) Without(done *Ledger) *Ledger {
	out := New()
	for addr := range l.addresses() {
		if done != nil && done.Has(addr) {
			continue
		}
		out.append(addr, l.amounts[addr])
	}
	return out
}

func (l *Ledger) Entries() []Entry {
	entries := make([]Entry, 0, l.Len())
	for addr := range l.addresses() {
		entries = append(entries, Entry{Address: addr, Amount: l.amounts[addr]})
	}
	return entries
}

// Total returns the sum of all owed amounts.
func (l *Ledger) Total() float64 {
	var total float64
	for _, amount := range l.amounts {
		total += amount
	}
	return total
}

// Batch is an immutable, ordered group of recipients sent in one transaction.
type Batch struct {
	Index   int
	entries []Entry
}

func NewBatch(index int, entries []Entry) Batch {
	return Batch{Index: index, entries: slices.Clone(entries)}
}

func (b Batch) Entries() []Entry {
	return slices.Clone(b.entries)
}

func (b Batch) Len() int {
	return len(b.entries)
}

func (b Batch) Addresses() []string {
	addrs := make([]string, len(b.entries))
	for i, e := range b.entries {
		addrs[i] = e.Address
	}
	return addrs
}

// Filter returns a new batch holding only the entries for which keep returns true.
func (b Batch) Filter(keep func(Entry) bool) Batch {
	out := Batch{Index: b.Index}
	for _, e := range b.entries {
		if keep(e) {
			out.entries = append(out.entries, e)
		}
	}
	return out
}

// Batches lazily partitions the ledger into batches of at most n recipients,
// in ledger order. The sequence is a snapshot of the ledger at the time the
// iteration starts; after a halt, callers re-plan over the reduced ledger.
func (l *Ledger) Batches(n int) iter.Seq[Batch] {
	return func(yield func(Batch) bool) {
		if n <= 0 {
			return
		}
		order := slices.Collect(l.addresses())
		index := 0
		for start := 0; start < len(order); start += n {
			end := min(start+n, len(order))
			entries := make([]Entry, 0, end-start)
			for _, addr := range order[start:end] {
				entries = append(entries, Entry{Address: addr, Amount: l.amounts[addr]})
			}
			if !yield(Batch{Index: index, entries: entries}) {
				return
			}
			index++
		}
	}
}

// MarshalJSON encodes the ledger as a JSON object in ledger order.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for addr := range l.addresses() {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		key, err := json.Marshal(addr)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(l.amounts[addr])
		if err != nil {
			return nil, fmt.Errorf("failed to encode amount for %q: %w", addr, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of address to number, keeping the
// document order and rejecting duplicate keys.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("ledger must be a JSON object")
	}

	parsed := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read ledger key: %w", err)
		}
		addr, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected ledger key %v", tok)
		}
		var num json.Number
		if err := dec.Decode(&num); err != nil {
			return fmt.Errorf("failed to read amount for %q: %w", addr, err)
		}
		amount, err := num.Float64()
		if err != nil {
			return fmt.Errorf("invalid amount for %q: %w", addr, err)
		}
		if err := parsed.Add(addr, amount); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("unexpected data after ledger object")
	}

	*l = *parsed
	return nil
}

// Read decodes a ledger from r.
func Read(r io.Reader) (*Ledger, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	l := New()
	if err := json.Unmarshal(data, l); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadFile reads a ledger from a JSON file.
func LoadFile(path string) (*Ledger, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger file: %w", err)
	}
	defer f.Close()

	l, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return l, nil
}
