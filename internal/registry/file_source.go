package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// FileSource loads tool definitions from a TOML file of the form
//
//	version = "2025-06-01"
//
//	[[tools]]
//	id = "echo-path"
//	program = "/bin/cat"
//	[[tools.parameters]]
//	name = "path"
//	required = true
//	path = true
type FileSource struct {
	path   string
	logger *zap.Logger
}

// NewFileSource creates a FileSource for path.
func NewFileSource(path string, logger *zap.Logger) *FileSource {
	return &FileSource{path: path, logger: logger}
}

// Path returns the watched file.
func (s *FileSource) Path() string { return s.path }

type registryFile struct {
	Version string           `toml:"version"`
	Tools   []toml.Primitive `toml:"tools"`
}

type toolHeader struct {
	ID string `toml:"id"`
}

// Load parses the file. A syntax error fails the whole load; an entry that
// cannot be decoded is kept as a disabled tool so the rest still load.
func (s *FileSource) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("FileSource.Load: %w", err)
	}

	var f registryFile
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("FileSource.Load: %w", err)
	}

	defs := make([]*ToolDefinition, 0, len(f.Tools))
	for i, prim := range f.Tools {
		var hdr toolHeader
		_ = md.PrimitiveDecode(prim, &hdr)
		if hdr.ID == "" {
			hdr.ID = fmt.Sprintf("tools[%d]", i)
		}

		def := &ToolDefinition{}
		if err := md.PrimitiveDecode(prim, def); err != nil {
			s.logger.Warn("tool entry could not be decoded",
				zap.String("tool_id", hdr.ID),
				zap.String("file", s.path),
				zap.Error(err),
			)
			defs = append(defs, &ToolDefinition{
				ID:             hdr.ID,
				DisabledReason: "decode: " + err.Error(),
			})
			continue
		}
		defs = append(defs, def)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		s.logger.Warn("unknown keys in tool registry file",
			zap.String("file", s.path),
			zap.Strings("keys", keys),
		)
	}

	version := f.Version
	if version == "" {
		sum := sha256.Sum256(data)
		version = "file:" + hex.EncodeToString(sum[:6])
	}
	return NewSnapshot(version, defs, s.logger), nil
}
