package feedstash

import "fmt"

// NameScheme builds reserved tag names. Reserved names are plain
// tags; the scheme only provides a convention that keeps reader- and
// plugin-owned keys out of each other's way.
type NameScheme struct {
	ReaderPrefix string
	PluginPrefix string
	Separator    string
}

// DefaultNameScheme yields names like ".reader.dedupe.once" and
// ".plugin.myplugin.key".
var DefaultNameScheme = NameScheme{
	ReaderPrefix: ".reader.",
	PluginPrefix: ".plugin.",
	Separator:    ".",
}

func (s NameScheme) validate() error {
	if s.ReaderPrefix == "" || s.PluginPrefix == "" || s.Separator == "" {
		return fmt.Errorf("name scheme prefixes and separator must not be empty")
	}
	return nil
}

// MakeReaderReservedName builds the reserved name for a reader-owned
// key: prefix + key.
func (r *Reader) MakeReaderReservedName(key string) string {
	return r.scheme.ReaderPrefix + key
}

// MakePluginReservedName builds the reserved name for a plugin-owned
// key: prefix + plugin, plus separator + key if a key is given.
func (r *Reader) MakePluginReservedName(plugin string, key ...string) string {
	name := r.scheme.PluginPrefix + plugin
	for _, k := range key {
		name += r.scheme.Separator + k
	}
	return name
}

// ReservedNameScheme returns the scheme in use.
func (r *Reader) ReservedNameScheme() NameScheme {
	return r.scheme
}
