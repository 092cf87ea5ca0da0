package deviceconfig

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rebootverify/rebootverify/pkg/remote"
)

// DefaultPath is where the device keeps its boot configuration.
const DefaultPath = "/mnt/boot/config.json"

// Mutation is a keyed update or deletion applied by read-modify-write.
type Mutation struct {
	Key    string
	Value  interface{}
	Delete bool
}

// Set returns a Mutation assigning value to key.
func Set(key string, value interface{}) Mutation {
	return Mutation{Key: key, Value: value}
}

// Remove returns a Mutation deleting key.
func Remove(key string) Mutation {
	return Mutation{Key: key, Delete: true}
}

func (m Mutation) String() string {
	if m.Delete {
		return "del(" + m.Key + ")"
	}
	return fmt.Sprintf("%s=%v", m.Key, m.Value)
}

// Store reads and writes the configuration file through a remote executor.
type Store struct {
	exec remote.Executor
	path string
}

// NewStore builds a Store for the file at path, DefaultPath when empty.
func NewStore(exec remote.Executor, filePath string) (*Store, error) {
	if exec == nil {
		return nil, errors.New("configuration store requires an executor")
	}
	if strings.TrimSpace(filePath) == "" {
		filePath = DefaultPath
	}
	if !path.IsAbs(filePath) {
		return nil, fmt.Errorf("configuration path %q must be absolute", filePath)
	}
	return &Store{exec: exec, path: filePath}, nil
}

// Path returns the configuration file path on the device.
func (s *Store) Path() string {
	return s.path
}

// ReadRaw returns the file contents.
func (s *Store) ReadRaw(ctx context.Context, host string) ([]byte, error) {
	out, err := s.exec.Execute(ctx, host, "cat "+shellQuote(s.path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return []byte(out), nil
}

// Read decodes the file.
func (s *Store) Read(ctx context.Context, host string) (Document, error) {
	raw, err := s.ReadRaw(ctx, host)
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", s.path, host, err)
	}
	return doc, nil
}

// WriteRaw replaces the file atomically: the data is decoded into a temporary
// file next to the target, flushed, then renamed over it.
func (s *Store) WriteRaw(ctx context.Context, host string, data []byte) error {
	if _, err := s.exec.Execute(ctx, host, s.writeCommand(data)); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// Write encodes and stores doc.
func (s *Store) Write(ctx context.Context, host string, doc Document) error {
	data, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	return s.WriteRaw(ctx, host, data)
}

// Apply reads the file, applies mutations in order and writes the result.
func (s *Store) Apply(ctx context.Context, host string, mutations ...Mutation) (Document, error) {
	doc, err := s.Read(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, m := range mutations {
		if m.Delete {
			doc.Delete(m.Key)
			continue
		}
		if err := doc.Set(m.Key, m.Value); err != nil {
			return nil, err
		}
	}
	if err := s.Write(ctx, host, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) writeCommand(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	template := path.Join(path.Dir(s.path), "."+path.Base(s.path)+".XXXXXX")
	return fmt.Sprintf(`tmp=$(mktemp %s) && printf '%%s' '%s' | base64 -d > "$tmp" && sync && mv "$tmp" %s`,
		shellQuote(template), encoded, shellQuote(s.path))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
