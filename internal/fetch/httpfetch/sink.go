package httpfetch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileSink appends listings to a JSON-lines file. Listings whose link was
// already written are skipped, so Save reports only new ones.
type FileSink struct {
	path string

	mu   sync.Mutex
	seen map[string]struct{}
}

// OpenFileSink loads the links already present in path.
func OpenFileSink(path string) (*FileSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sink path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &FileSink{path: path, seen: make(map[string]struct{})}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var l Listing
		if json.Unmarshal(sc.Bytes(), &l) == nil {
			s.seen[l.key()] = struct{}{}
		}
	}
	return s, sc.Err()
}

func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Save(ctx context.Context, listings []Listing) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	var added []string
	for _, l := range listings {
		k := l.key()
		if _, dup := s.seen[k]; dup {
			continue
		}
		if err = enc.Encode(l); err != nil {
			err = fmt.Errorf("encode listing: %w", err)
			break
		}
		s.seen[k] = struct{}{}
		added = append(added, k)
	}
	if err == nil {
		err = w.Flush()
	}
	err = errors.Join(err, f.Close())
	if err != nil {
		for _, k := range added {
			delete(s.seen, k)
		}
		return 0, err
	}
	return len(added), nil
}

func (l Listing) key() string {
	if l.Link != "" {
		return l.Link
	}
	return l.UnitID + "\x00" + l.Title + "\x00" + l.Price
}
