package remote

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"

	"github.com/ssargent/rmemtree/pkg/raddr"
	"github.com/ssargent/rmemtree/pkg/rnode"
)

// BlockStore persists the out-of-line value blocks a rnode.ValuePtr
// points at. Tree nodes themselves always live in the Transport's
// remote-memory arenas; BlockStore exists only for the variable-
// length-value mode (spec section 3's parenthetical), where a leaf
// entry's inline 64 bits are repurposed as a (length, pointer) pair
// into storage that does not need to be RDMA-addressable at all.
// Grounded on storage.DefaultStorage's pebble.Open/pebble.NoSync
// idiom, keyed here by the packed raddr.Addr instead of a ksuid.
type BlockStore struct {
	db *pebble.DB
}

// OpenBlockStore opens (creating if absent) a pebble-backed block
// store at path.
func OpenBlockStore(path string) (*BlockStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &BlockStore{db: db}, nil
}

func blockKey(addr raddr.Addr) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(addr))
	return k[:]
}

// Put writes data and returns the ValuePtr a leaf entry should store.
// A ValuePtr keeps only a 48-bit offset (see rnode.ValuePtr.Pack), so
// the block is keyed by seq alone; nodeID does not enter the key and
// seq must be unique per store. BlockStore has no notion of
// remote-memory nodes itself.
func (s *BlockStore) Put(nodeID uint16, seq uint64, data []byte) (rnode.ValuePtr, error) {
	addr := raddr.Pack(0, seq)
	if err := s.db.Set(blockKey(addr), data, pebble.NoSync); err != nil {
		return rnode.ValuePtr{}, err
	}
	return rnode.ValuePtr{Length: uint16(len(data)), Block: addr}, nil
}

// Get reads back the bytes a ValuePtr points at.
func (s *BlockStore) Get(ptr rnode.ValuePtr) ([]byte, error) {
	data, closer, err := s.db.Get(blockKey(ptr.Block))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Delete removes the block a ValuePtr points at.
func (s *BlockStore) Delete(ptr rnode.ValuePtr) error {
	return s.db.Delete(blockKey(ptr.Block), pebble.NoSync)
}

// Close releases the underlying pebble handle.
func (s *BlockStore) Close() error {
	return s.db.Close()
}
