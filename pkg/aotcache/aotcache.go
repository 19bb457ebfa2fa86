// Package aotcache implements the on-disk AOT IR file format: a persisted
// cache of compiled functions keyed by guest start address, so a later run
// can skip re-decoding and re-optimizing guest code it has already compiled
// once.
//
// Entries are kept in a small gob-encoded side table plus a sorted,
// binary-searchable index, but the dominant payload (decoded guest bytes,
// IR, relocations) is serialized through an explicit binary layout instead
// of gob, since a persisted cache like this wants a concrete file header
// and per-entry byte layout rather than whatever Go happens to serialize
// to.
package aotcache

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/havenjit/x86dbt/pkg/dispatcher"
)

// magicCookie is this repo's own AOT file magic.
const magicCookie = "X86I"

// version is the file format version embedded in the header.
const version uint32 = 1

// RegAllocMeta is the register-allocation side table attached to each
// entry. Small and variable-shaped enough that gob is the natural
// encoding, unlike the flat binary IR/relocation payload below.
type RegAllocMeta struct {
	// FixedGPR maps a guest GPR slot index to the host register number
	// StaticRegisterAllocation pinned it to, or -1 if unpinned.
	FixedGPR [16]int8
	// FixedFPR is the equivalent mapping for FPR/vector slots.
	FixedFPR [16]int8
}

func init() {
	gob.Register(RegAllocMeta{})
}

// Entry is one compiled function's AOT record: the guest SHA-256 hash and byte length of the decoded guest
// bytes, the RA metadata, the serialized IR, and the relocation list.
type Entry struct {
	GuestStart  uint64
	GuestHash   [sha256.Size]byte
	GuestLen    uint64
	RegAlloc    RegAllocMeta
	IR          []byte                  // opaque serialized IR bytes; pkg/ir owns the codec
	Relocations []dispatcher.Relocation
}

// HashGuestBytes computes the guest-byte hash an Entry is keyed to verify
// against: if the guest bytes at GuestStart have changed since
// this entry was written, the hash will not match and the entry must be
// treated as a miss.
func HashGuestBytes(guestBytes []byte) [sha256.Size]byte {
	return sha256.Sum256(guestBytes)
}

// indexRow is one row of the sorted, binary-searchable index the design
// describes: "(guest_start, data_offset) pairs".
type indexRow struct {
	GuestStart uint64
	DataOffset uint64
}

// File is an in-memory AOT cache ready to be written out or looked up,
// keeping entries sorted by GuestStart so Lookup can binary search the
// index instead of scanning it linearly.
type File struct {
	entries []Entry
}

// New returns an empty AOT cache file.
func New() *File { return &File{} }

// Add inserts or replaces the entry for e.GuestStart, keeping entries
// sorted.
func (f *File) Add(e Entry) {
	i := sort.Search(len(f.entries), func(i int) bool { return f.entries[i].GuestStart >= e.GuestStart })
	if i < len(f.entries) && f.entries[i].GuestStart == e.GuestStart {
		f.entries[i] = e
		return
	}
	f.entries = append(f.entries, Entry{})
	copy(f.entries[i+1:], f.entries[i:])
	f.entries[i] = e
}

// Lookup binary-searches for the entry at guestStart.
func (f *File) Lookup(guestStart uint64) (Entry, bool) {
	i := sort.Search(len(f.entries), func(i int) bool { return f.entries[i].GuestStart >= guestStart })
	if i < len(f.entries) && f.entries[i].GuestStart == guestStart {
		return f.entries[i], true
	}
	return Entry{}, false
}

// Len reports the number of entries.
func (f *File) Len() int { return len(f.entries) }

// Verify reports whether e's stored hash matches the live guest bytes at
// its address — the "Any mismatch... must cause the entry to be discarded"
// check the design requires, applied here to the guest-byte hash rather
// than the config cache key (pkg/config.Key covers that half).
func (e Entry) Verify(liveGuestBytes []byte) bool {
	return e.GuestHash == HashGuestBytes(liveGuestBytes)
}

// WriteTo serializes the file per the design: an 8-byte cookie+version
// header, then each entry as a length-prefixed record (gob for RegAlloc,
// flat binary for everything else), then the sorted index.
func (f *File) WriteTo(w io.Writer) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString(magicCookie); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, version); err != nil {
		return err
	}

	offsets := make([]uint64, len(f.entries))
	var body bytes.Buffer
	for i, e := range f.entries {
		offsets[i] = uint64(body.Len())
		if err := writeEntry(&body, e); err != nil {
			return fmt.Errorf("aotcache: encoding entry %d: %w", i, err)
		}
	}

	if err := binary.Write(bw, binary.LittleEndian, uint64(body.Len())); err != nil {
		return err
	}
	if _, err := bw.Write(body.Bytes()); err != nil {
		return err
	}

	if err := binary.Write(bw, binary.LittleEndian, uint64(len(f.entries))); err != nil {
		return err
	}
	for i, e := range f.entries {
		row := indexRow{GuestStart: e.GuestStart, DataOffset: offsets[i]}
		if err := binary.Write(bw, binary.LittleEndian, row); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func writeEntry(w *bytes.Buffer, e Entry) error {
	if err := binary.Write(w, binary.LittleEndian, e.GuestStart); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.GuestHash); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.GuestLen); err != nil {
		return err
	}

	var regAllocBuf bytes.Buffer
	if err := gob.NewEncoder(&regAllocBuf).Encode(e.RegAlloc); err != nil {
		return err
	}
	if err := writeBlob(w, regAllocBuf.Bytes()); err != nil {
		return err
	}
	if err := writeBlob(w, e.IR); err != nil {
		return err
	}

	var relocBuf bytes.Buffer
	if err := gob.NewEncoder(&relocBuf).Encode(e.Relocations); err != nil {
		return err
	}
	return writeBlob(w, relocBuf.Bytes())
}

func writeBlob(w *bytes.Buffer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// Save writes the file to path.
func (f *File) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return f.WriteTo(file)
}

// Load reads an AOT cache file previously written by Save/WriteTo,
// validating the magic cookie and rejecting unsupported versions.
func Load(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ReadFrom(file)
}

// ReadFrom parses an AOT cache file from r.
func ReadFrom(r io.Reader) (*File, error) {
	br := bufio.NewReader(r)

	cookie := make([]byte, len(magicCookie))
	if _, err := io.ReadFull(br, cookie); err != nil {
		return nil, fmt.Errorf("aotcache: reading cookie: %w", err)
	}
	if string(cookie) != magicCookie {
		return nil, fmt.Errorf("aotcache: bad magic cookie %q", cookie)
	}
	var ver uint32
	if err := binary.Read(br, binary.LittleEndian, &ver); err != nil {
		return nil, err
	}
	if ver != version {
		return nil, fmt.Errorf("aotcache: unsupported version %d (want %d)", ver, version)
	}

	var bodyLen uint64
	if err := binary.Read(br, binary.LittleEndian, &bodyLen); err != nil {
		return nil, err
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, err
	}

	var numEntries uint64
	if err := binary.Read(br, binary.LittleEndian, &numEntries); err != nil {
		return nil, err
	}
	rows := make([]indexRow, numEntries)
	for i := range rows {
		if err := binary.Read(br, binary.LittleEndian, &rows[i]); err != nil {
			return nil, err
		}
	}

	f := &File{entries: make([]Entry, numEntries)}
	bodyReader := bytes.NewReader(body)
	for i, row := range rows {
		if _, err := bodyReader.Seek(int64(row.DataOffset), io.SeekStart); err != nil {
			return nil, err
		}
		e, err := readEntry(bodyReader)
		if err != nil {
			return nil, fmt.Errorf("aotcache: decoding entry %d: %w", i, err)
		}
		f.entries[i] = e
	}
	return f, nil
}

func readEntry(r *bytes.Reader) (Entry, error) {
	var e Entry
	if err := binary.Read(r, binary.LittleEndian, &e.GuestStart); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.GuestHash); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.GuestLen); err != nil {
		return e, err
	}

	regAllocBlob, err := readBlob(r)
	if err != nil {
		return e, err
	}
	if err := gob.NewDecoder(bytes.NewReader(regAllocBlob)).Decode(&e.RegAlloc); err != nil {
		return e, err
	}

	e.IR, err = readBlob(r)
	if err != nil {
		return e, err
	}

	relocBlob, err := readBlob(r)
	if err != nil {
		return e, err
	}
	if len(relocBlob) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(relocBlob)).Decode(&e.Relocations); err != nil {
			return e, err
		}
	}
	return e, nil
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
