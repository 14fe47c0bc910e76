package gchain

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

const (
	uncompressedHeader byte = 0
	snappyHeader       byte = 1
)

// maxBlockDataSize bounds the declared length read by [DecodeBlockData].
const maxBlockDataSize = 64 << 20

// Proposal is an ordered batch of encoded transactions for one height.
type Proposal struct {
	Height uint64 `json:"height"`

	// Registry-encoded public key of the proposer.
	Proposer []byte `json:"proposer"`

	Txs [][]byte `json:"txs"`
}

// EncodeBlockData writes txs to w in the block data framing:
//
//  1. A header byte indicating the compression format,
//     possibly indicating uncompressed.
//  2. A varint length of the maybe-compressed data
//     (see [binary.AppendVarint]).
//  3. The maybe-compressed data: a JSON array of base64 transactions.
//
// Snappy compression is used only when it saves space.
// The returned size is the length of the uncompressed JSON.
func EncodeBlockData(w io.Writer, txs [][]byte) (decompressedSize int, err error) {
	if txs == nil {
		txs = [][]byte{}
	}

	j, err := json.Marshal(txs)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal encoded transactions: %w", err)
	}

	header := uncompressedHeader
	data := j
	if c := snappy.Encode(nil, j); len(c) < len(j) {
		header = snappyHeader
		data = c
	}

	var buf bytes.Buffer
	buf.WriteByte(header)
	buf.Write(binary.AppendVarint(nil, int64(len(data))))
	buf.Write(data)

	if _, err := buf.WriteTo(w); err != nil {
		return 0, fmt.Errorf("failed to write block data: %w", err)
	}
	return len(j), nil
}

// DecodeBlockData parses block data written by [EncodeBlockData].
func DecodeBlockData(r io.Reader) ([][]byte, error) {
	br := bufio.NewReader(r)

	header, err := br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read header byte: %w", err)
	}

	n, err := binary.ReadVarint(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read data length: %w", err)
	}
	if n < 0 || n > maxBlockDataSize {
		return nil, fmt.Errorf("invalid block data length %d", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, fmt.Errorf("failed to read block data: %w", err)
	}

	var j []byte
	switch header {
	case uncompressedHeader:
		j = data
	case snappyHeader:
		j, err = snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress block data: %w", err)
		}
	default:
		return nil, fmt.Errorf("unrecognized header byte %x", header)
	}

	var txs [][]byte
	if err := json.Unmarshal(j, &txs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block data: %w", err)
	}
	if txs == nil {
		return nil, errors.New("block data was not a transaction array")
	}
	return txs, nil
}
