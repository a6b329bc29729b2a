package rnode

// Wire-contract constants (spec section 6, "compile-time constants
// that are part of the wire contract"). These are package vars rather
// than untyped consts so a process can override them once at start.
// pkg/rtree.Options falls back to SpanInternal, SpanLeaf and
// Neighborhood for zero-valued fields; the encoders and decoders in
// this package and in pkg/wire take span and neighborhood as explicit
// arguments and do not read these vars.
var (
	// SpanInternal (SPAN_I) is the fixed entry count of an internal node.
	SpanInternal = 64
	// SpanLeaf (SPAN_L) is the fixed entry count of a leaf's hopscotch table.
	SpanLeaf = 64
	// Neighborhood (H) is the hopscotch window width.
	Neighborhood = 8
	// CacheLine is the physical block size used by the version interleave.
	CacheLine = 64
	// NodeVersionBits / EntryVersionBits (N, E) are the two nibble widths
	// packed into the one-byte version word.
	NodeVersionBits  = 4
	EntryVersionBits = 4
)

// VersionByte is the packed (node_version:N, entry_version:E) word
// stored on the header and on every entry (spec section 3, "Version
// word"). With the default N=E=4 it fits one byte: node_version in
// the high nibble, entry_version in the low nibble.
type VersionByte uint8

// PackVersion builds a VersionByte from its two nibbles.
func PackVersion(nodeVersion, entryVersion uint8) VersionByte {
	return VersionByte((nodeVersion&0xF)<<4 | (entryVersion & 0xF))
}

// NodeVersion returns the high-nibble node_version.
func (v VersionByte) NodeVersion() uint8 { return uint8(v) >> 4 }

// EntryVersion returns the low-nibble entry_version.
func (v VersionByte) EntryVersion() uint8 { return uint8(v) & 0xF }

// BumpNode returns v with node_version incremented (mod 16) and
// entry_version left untouched; used by a full-node rewrite.
func (v VersionByte) BumpNode() VersionByte {
	return PackVersion(v.NodeVersion()+1, v.EntryVersion())
}

// BumpEntry returns v with entry_version incremented (mod 16) and
// node_version left untouched; used by a single-entry/segment rewrite.
func (v VersionByte) BumpEntry() VersionByte {
	return PackVersion(v.NodeVersion(), v.EntryVersion()+1)
}

// Level is an internal node's level in the tree; 0 is reserved for leaves.
type Level uint16
