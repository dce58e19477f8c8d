// Package hashing computes canonical content hashes for marketplace entities.
//
// An entity's identity is the keccak256 of a normalized projection: a fixed set
// of identity-bearing fields in a fixed order, with volatile fields (database
// IDs, timestamps, cosmetic metadata) excluded. Two peers serializing the same
// logical entity always produce the same hash, regardless of map iteration
// order or retransmission.
package hashing

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMalformedInput indicates a required identity field is missing.
var ErrMalformedInput = errors.New("malformed hash input")

// NormalizedOrder is the identity projection of an order: the two parties and
// the content hashes of the ordered items. Item-mutable fields are deliberately
// absent so cosmetic edits never change order identity.
type NormalizedOrder struct {
	Buyer      string
	Seller     string
	ItemHashes []string // sorted ascending
}

// NormalizedBid is the identity projection of a bid.
type NormalizedBid struct {
	ListingHash string
	Bidder      string
	Data        []KV // sorted by key
}

// KV is a single bid-data pair.
type KV struct {
	Key   string
	Value string
}

// NormalizedImage is the identity projection of a listing image.
type NormalizedImage struct {
	Protocol     string
	Version      string
	Encoding     string
	Data         string
	OriginalMime string
	OriginalName string
}

// CanonicalizeOrder builds the normalized order projection. The item-hash list
// is copied and sorted; the caller's slice is not modified.
func CanonicalizeOrder(buyer, seller string, itemHashes []string) (NormalizedOrder, error) {
	if buyer == "" || seller == "" {
		return NormalizedOrder{}, fmt.Errorf("%w: order requires buyer and seller", ErrMalformedInput)
	}
	if len(itemHashes) == 0 {
		return NormalizedOrder{}, fmt.Errorf("%w: order requires at least one item hash", ErrMalformedInput)
	}
	for _, h := range itemHashes {
		if h == "" {
			return NormalizedOrder{}, fmt.Errorf("%w: empty item hash", ErrMalformedInput)
		}
	}
	sorted := make([]string, len(itemHashes))
	copy(sorted, itemHashes)
	sort.Strings(sorted)
	return NormalizedOrder{
		Buyer:      strings.ToLower(buyer),
		Seller:     strings.ToLower(seller),
		ItemHashes: sorted,
	}, nil
}

// Hash returns the canonical order hash as lowercase hex.
func (n NormalizedOrder) Hash() string {
	var enc encoder
	enc.str("order")
	enc.str(n.Buyer)
	enc.str(n.Seller)
	for _, h := range n.ItemHashes {
		enc.str(h)
	}
	return enc.sum()
}

// CanonicalizeBid builds the normalized bid projection. Bid data is flattened
// to sorted key/value pairs so peers with different map layouts agree.
func CanonicalizeBid(listingHash, bidder string, data map[string]string) (NormalizedBid, error) {
	if listingHash == "" || bidder == "" {
		return NormalizedBid{}, fmt.Errorf("%w: bid requires listing hash and bidder", ErrMalformedInput)
	}
	kvs := make([]KV, 0, len(data))
	for k, v := range data {
		if k == "" {
			return NormalizedBid{}, fmt.Errorf("%w: empty bid data key", ErrMalformedInput)
		}
		kvs = append(kvs, KV{Key: k, Value: v})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return NormalizedBid{
		ListingHash: listingHash,
		Bidder:      strings.ToLower(bidder),
		Data:        kvs,
	}, nil
}

// Hash returns the canonical bid hash as lowercase hex.
func (n NormalizedBid) Hash() string {
	var enc encoder
	enc.str("bid")
	enc.str(n.ListingHash)
	enc.str(n.Bidder)
	for _, kv := range n.Data {
		enc.str(kv.Key)
		enc.str(kv.Value)
	}
	return enc.sum()
}

// CanonicalizeImage builds the normalized image projection.
func CanonicalizeImage(protocol, version, encoding, data, originalMime, originalName string) (NormalizedImage, error) {
	if protocol == "" || version == "" || encoding == "" || data == "" {
		return NormalizedImage{}, fmt.Errorf("%w: image requires protocol, version, encoding, data", ErrMalformedInput)
	}
	return NormalizedImage{
		Protocol:     protocol,
		Version:      version,
		Encoding:     encoding,
		Data:         data,
		OriginalMime: originalMime,
		OriginalName: originalName,
	}, nil
}

// Hash returns the canonical image hash as lowercase hex.
func (n NormalizedImage) Hash() string {
	var enc encoder
	enc.str("image")
	enc.str(n.Protocol)
	enc.str(n.Version)
	enc.str(n.Encoding)
	enc.str(n.Data)
	enc.str(n.OriginalMime)
	enc.str(n.OriginalName)
	return enc.sum()
}

// MessageID derives the dedup identity of an inbound message from its type,
// sender and raw payload. The nonce is deliberately excluded: the same logical
// message re-sent under a new nonce is a distinct delivery, tracked by the
// (hash, nonce) pair in the dedup store.
func MessageID(msgType, sender string, payload []byte) string {
	var enc encoder
	enc.str("msg")
	enc.str(msgType)
	enc.str(strings.ToLower(sender))
	enc.bytes(payload)
	return enc.sum()
}

// encoder builds a length-prefixed byte stream. Length prefixes keep field
// boundaries unambiguous: ("ab","c") and ("a","bc") encode differently.
type encoder struct {
	buf []byte
}

func (e *encoder) str(s string) {
	e.bytes([]byte(s))
}

func (e *encoder) bytes(b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	e.buf = append(e.buf, n[:]...)
	e.buf = append(e.buf, b...)
}

func (e *encoder) sum() string {
	return hex.EncodeToString(crypto.Keccak256(e.buf))
}
