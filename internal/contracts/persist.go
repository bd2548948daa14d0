package contracts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Persister writes contracts as line-delimited JSON with an atomic
// temp-file rename, and reads them back at boot. Corrupt lines are
// skipped with a warning rather than failing the load.
type Persister struct {
	path   string
	logger *log.Logger
}

// NewPersister creates a persister for the given file path.
func NewPersister(path string) *Persister {
	return &Persister{
		path:   path,
		logger: log.New(log.Writer(), "[CONTRACTS] ", log.LstdFlags),
	}
}

// Save rewrites the full contract set. The write goes to a temp file in
// the same directory, then renames over the target so readers never see
// a partial file.
func (p *Persister) Save(all []*Contract) error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".contracts-*.jsonl")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, c := range all {
		if err := enc.Encode(c); err != nil {
			tmp.Close()
			return fmt.Errorf("encode contract %s: %w", c.ContractID, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), p.path)
}

// Load reads all contracts from the file. A missing file is an empty set.
func (p *Persister) Load() ([]*Contract, error) {
	f, err := os.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []*Contract
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c Contract
		if err := json.Unmarshal(line, &c); err != nil {
			p.logger.Printf("skipping corrupt line %d in %s: %v", lineNo, p.path, err)
			continue
		}
		out = append(out, &c)
	}
	return out, scanner.Err()
}
