// Package fec implements Forward Error Correction using Reed-Solomon
// encoding over groups of data-packet payloads, so a receiver can
// recover a lost packet before it costs a retransmit.
package fec

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

const (
	// DefaultDataShards is the default number of data shards per group.
	DefaultDataShards = 10

	// DefaultParityShards is the default number of parity shards per group.
	DefaultParityShards = 3

	// ShardHeaderSize is the wire overhead of a parity shard: group id (8),
	// shard index (1), reserved (1).
	ShardHeaderSize = 10

	// lengthPrefixSize is the per-shard length prefix that survives the
	// zero padding Reed-Solomon needs for equal shard sizes.
	lengthPrefixSize = 2

	// PayloadOverhead is how much smaller than the packet payload limit a
	// protected payload must stay, so a parity shard (shard header plus
	// length prefix plus the group's longest payload) still fits in one
	// packet.
	PayloadOverhead = ShardHeaderSize + lengthPrefixSize
)

// GroupOf returns the group id and shard index of the n-th protected
// payload of a flow (counting from zero) for a group size of dataShards.
// Sender and receiver derive the same placement from the packet sequence
// alone, so data packets carry no FEC framing.
func GroupOf(n uint64, dataShards int) (groupID uint64, index int) {
	return n/uint64(dataShards) + 1, int(n % uint64(dataShards))
}

// Config contains configuration for FEC.
type Config struct {
	DataShards   int
	ParityShards int
}

// DefaultConfig returns default FEC configuration.
func DefaultConfig() *Config {
	return &Config{
		DataShards:   DefaultDataShards,
		ParityShards: DefaultParityShards,
	}
}

func validate(config *Config) error {
	if config.DataShards < 1 || config.DataShards > 256 {
		return fmt.Errorf("invalid data shards: %d (must be 1-256)", config.DataShards)
	}
	if config.ParityShards < 1 || config.ParityShards > 256 {
		return fmt.Errorf("invalid parity shards: %d (must be 1-256)", config.ParityShards)
	}
	return nil
}

// Encoder accumulates outbound payloads into fixed-size groups and emits
// parity shards when a group fills.
type Encoder struct {
	dataShards   int
	parityShards int
	encoder      reedsolomon.Encoder

	current [][]byte
	groupID uint64
}

// NewEncoder creates a new FEC encoder.
func NewEncoder(config *Config) (*Encoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validate(config); err != nil {
		return nil, err
	}

	enc, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}

	return &Encoder{
		dataShards:   config.DataShards,
		parityShards: config.ParityShards,
		encoder:      enc,
		current:      make([][]byte, 0, config.DataShards),
		groupID:      1,
	}, nil
}

// Add appends one payload to the current group. When the group fills it
// returns the group id and the parity shards to transmit; otherwise the
// returned shards are nil.
func (e *Encoder) Add(payload []byte) (groupID uint64, parity [][]byte, err error) {
	shard := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint16(shard[0:lengthPrefixSize], uint16(len(payload)))
	copy(shard[lengthPrefixSize:], payload)
	e.current = append(e.current, shard)

	if len(e.current) < e.dataShards {
		return 0, nil, nil
	}

	maxLen := 0
	for _, s := range e.current {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}

	shards := make([][]byte, e.dataShards+e.parityShards)
	for i, s := range e.current {
		padded := make([]byte, maxLen)
		copy(padded, s)
		shards[i] = padded
	}
	for i := e.dataShards; i < len(shards); i++ {
		shards[i] = make([]byte, maxLen)
	}

	if err := e.encoder.Encode(shards); err != nil {
		e.current = e.current[:0]
		return 0, nil, fmt.Errorf("Reed-Solomon encoding failed: %w", err)
	}

	groupID = e.groupID
	e.groupID++
	e.current = e.current[:0]

	return groupID, shards[e.dataShards:], nil
}

// Reset discards the partially filled group.
func (e *Encoder) Reset() {
	e.current = e.current[:0]
}

// MarshalShard frames one parity shard for the wire.
func MarshalShard(groupID uint64, index int, parity []byte) []byte {
	buf := make([]byte, ShardHeaderSize+len(parity))
	binary.BigEndian.PutUint64(buf[0:8], groupID)
	buf[8] = uint8(index)
	copy(buf[ShardHeaderSize:], parity)
	return buf
}

// UnmarshalShard parses a parity shard from the wire.
func UnmarshalShard(data []byte) (groupID uint64, index int, parity []byte, err error) {
	if len(data) < ShardHeaderSize {
		return 0, 0, nil, fmt.Errorf("parity shard too small: need %d bytes, got %d", ShardHeaderSize, len(data))
	}
	return binary.BigEndian.Uint64(data[0:8]), int(data[8]), data[ShardHeaderSize:], nil
}

// Recovered is a payload reconstructed from parity.
type Recovered struct {
	Index   int
	Payload []byte
}

type decodingGroup struct {
	data     [][]byte
	parity   [][]byte
	received []bool
	count    int
	complete bool
}

// Decoder collects inbound data and parity shards and reconstructs
// missing payloads once a group holds enough shards.
type Decoder struct {
	dataShards   int
	parityShards int
	encoder      reedsolomon.Encoder

	groups map[uint64]*decodingGroup

	totalRecovered uint64
	failedRecovery uint64
}

// NewDecoder creates a new FEC decoder.
func NewDecoder(config *Config) (*Decoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validate(config); err != nil {
		return nil, err
	}

	enc, err := reedsolomon.New(config.DataShards, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}

	return &Decoder{
		dataShards:   config.DataShards,
		parityShards: config.ParityShards,
		encoder:      enc,
		groups:       make(map[uint64]*decodingGroup),
	}, nil
}

// AddData registers a received payload at its group position and tries
// to reconstruct the group. Recovered payloads of other positions are
// returned once reconstruction succeeds.
func (d *Decoder) AddData(groupID uint64, index int, payload []byte) ([]Recovered, error) {
	if index < 0 || index >= d.dataShards {
		return nil, fmt.Errorf("invalid data shard index: %d", index)
	}

	shard := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint16(shard[0:lengthPrefixSize], uint16(len(payload)))
	copy(shard[lengthPrefixSize:], payload)

	return d.add(groupID, index, false, shard)
}

// AddParity registers a received parity shard and tries to reconstruct
// the group.
func (d *Decoder) AddParity(groupID uint64, index int, parity []byte) ([]Recovered, error) {
	if index < 0 || index >= d.parityShards {
		return nil, fmt.Errorf("invalid parity shard index: %d", index)
	}

	shard := make([]byte, len(parity))
	copy(shard, parity)

	return d.add(groupID, index, true, shard)
}

func (d *Decoder) add(groupID uint64, index int, isParity bool, shard []byte) ([]Recovered, error) {
	group, exists := d.groups[groupID]
	if !exists {
		group = &decodingGroup{
			data:     make([][]byte, d.dataShards),
			parity:   make([][]byte, d.parityShards),
			received: make([]bool, d.dataShards+d.parityShards),
		}
		d.groups[groupID] = group
	}

	if group.complete {
		return nil, nil
	}

	maskIndex := index
	if isParity {
		maskIndex = d.dataShards + index
		group.parity[index] = shard
	} else {
		group.data[index] = shard
	}
	if !group.received[maskIndex] {
		group.received[maskIndex] = true
		group.count++
	}

	if group.count < d.dataShards {
		return nil, nil
	}

	missing := make([]int, 0, d.dataShards)
	for i := 0; i < d.dataShards; i++ {
		if !group.received[i] {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		group.complete = true
		return nil, nil
	}

	recovered, err := d.reconstruct(group, missing)
	if err != nil {
		d.failedRecovery++
		return nil, err
	}

	group.complete = true
	d.totalRecovered += uint64(len(recovered))
	return recovered, nil
}

func (d *Decoder) reconstruct(group *decodingGroup, missing []int) ([]Recovered, error) {
	maxLen := 0
	for _, s := range group.data {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	for _, s := range group.parity {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}

	shards := make([][]byte, d.dataShards+d.parityShards)
	for i, s := range group.data {
		if group.received[i] {
			padded := make([]byte, maxLen)
			copy(padded, s)
			shards[i] = padded
		}
	}
	for i, s := range group.parity {
		if group.received[d.dataShards+i] {
			padded := make([]byte, maxLen)
			copy(padded, s)
			shards[d.dataShards+i] = padded
		}
	}

	if err := d.encoder.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("Reed-Solomon reconstruction failed: %w", err)
	}

	ok, err := d.encoder.Verify(shards)
	if err != nil {
		return nil, fmt.Errorf("failed to verify reconstruction: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("reconstruction verification failed")
	}

	recovered := make([]Recovered, 0, len(missing))
	for _, i := range missing {
		shard := shards[i]
		if len(shard) < lengthPrefixSize {
			return nil, fmt.Errorf("reconstructed shard %d too small", i)
		}
		size := int(binary.BigEndian.Uint16(shard[0:lengthPrefixSize]))
		if lengthPrefixSize+size > len(shard) {
			return nil, fmt.Errorf("reconstructed shard %d has invalid length %d", i, size)
		}
		group.data[i] = shard
		recovered = append(recovered, Recovered{
			Index:   i,
			Payload: shard[lengthPrefixSize : lengthPrefixSize+size],
		})
	}

	return recovered, nil
}

// CleanupOldGroups removes all decoding groups except the keepLatest
// most recent, to bound memory on lossy links.
func (d *Decoder) CleanupOldGroups(keepLatest int) {
	if len(d.groups) <= keepLatest {
		return
	}

	ids := make([]uint64, 0, len(d.groups))
	for id := range d.groups {
		ids = append(ids, id)
	}
	for i := 0; i < len(ids)-1; i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[i] > ids[j] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}

	for _, id := range ids[:len(ids)-keepLatest] {
		delete(d.groups, id)
	}
}

// Statistics returns decoder statistics.
func (d *Decoder) Statistics() map[string]uint64 {
	return map[string]uint64{
		"total_recovered": d.totalRecovered,
		"failed_recovery": d.failedRecovery,
		"active_groups":   uint64(len(d.groups)),
	}
}

// CalculateOverhead calculates the FEC bandwidth overhead ratio.
func CalculateOverhead(dataShards, parityShards int) float64 {
	if dataShards == 0 {
		return 0
	}
	return float64(parityShards) / float64(dataShards)
}
