// Package usbid names USB vendors and products from the usb.ids database
// shipped by most distributions.
package usbid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ardnew/softqmi/pkg"
)

// DefaultPaths lists the standard locations of usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database maps IDs to names. The zero value is not usable; call New.
type Database struct {
	mu       sync.RWMutex
	paths    []string
	loaded   bool
	vendors  map[uint16]string
	products map[uint32]string // vid<<16 | pid
}

// New returns a database that searches paths, or DefaultPaths when none
// are given.
func New(paths ...string) *Database {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	return &Database{
		paths:    paths,
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
}

// Load parses the first readable file on the search path. Only the first
// call reads; it reports whether a file was found.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.loaded {
		return len(db.vendors) > 0
	}
	db.loaded = true

	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		err = db.parse(f)
		f.Close()
		if err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "usb.ids parse failed", "path", path, "error", err)
			continue
		}
		return true
	}
	return false
}

// Parse adds the entries read from r.
func (db *Database) Parse(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.loaded = true
	return db.parse(r)
}

// parse reads "vvvv  Vendor" lines and the "\tpppp  Product" lines below
// them. Sections after the vendor list (classes, languages) use other
// prefixes and end the current vendor. db.mu must be held.
func (db *Database) parse(r io.Reader) error {
	var vid uint16
	inVendor := false

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := splitEntry(line[1:]); ok {
				db.products[uint32(vid)<<16|uint32(id)] = name
			}
			continue
		}

		id, name, ok := splitEntry(line)
		inVendor = ok
		if ok {
			vid = id
			db.vendors[vid] = name
		}
	}
	return sc.Err()
}

// splitEntry parses "xxxx  Name".
func splitEntry(s string) (uint16, string, bool) {
	if len(s) < 6 || s[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	name := strings.TrimSpace(s[5:])
	return uint16(id), name, name != ""
}

// Vendor returns the vendor name, or "" if unknown.
func (db *Database) Vendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// Product returns the product name, or "" if unknown.
func (db *Database) Product(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Describe formats vid<<16 | pid as "vvvv:pppp Vendor Product", leaving
// out names that are not known.
func (db *Database) Describe(vidpid uint32) string {
	vid, pid := uint16(vidpid>>16), uint16(vidpid)
	s := fmt.Sprintf("%04x:%04x", vid, pid)
	if v := db.Vendor(vid); v != "" {
		s += " " + v
	}
	if p := db.Product(vid, pid); p != "" {
		s += " " + p
	}
	return s
}
