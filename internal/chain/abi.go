package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// keccak256("Transfer(address,address,uint256)")
	transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

	selectorBalanceOf = "0x70a08231" // balanceOf(address)
	selectorResolver  = "0x0178b8bf" // resolver(bytes32)
	selectorName      = "0x691f3431" // name(bytes32)

	zeroAddress = "0x0000000000000000000000000000000000000000"

	usdcDecimals = 1e6
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsValidAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// NormalizeAddress lowercases an address for storage and comparison.
func NormalizeAddress(s string) string {
	return strings.ToLower(s)
}

// addressTopic left-pads an address to the 32-byte topic form.
func addressTopic(addr string) string {
	return "0x000000000000000000000000" + strings.ToLower(strings.TrimPrefix(addr, "0x"))
}

// topicAddress recovers an address from a padded topic.
func topicAddress(topic string) string {
	h := strings.TrimPrefix(topic, "0x")
	if len(h) < 40 {
		return ""
	}
	return "0x" + strings.ToLower(h[len(h)-40:])
}

func hexQuantity(n int64) string {
	return "0x" + strconv.FormatInt(n, 16)
}

func parseHexInt64(s string) (int64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	return strconv.ParseInt(s, 16, 64)
}

func parseHexUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	return strconv.ParseUint(s, 16, 64)
}

// parseHexBig parses an arbitrarily wide hex quantity. Token amounts and
// wei balances overflow int64 routinely.
func parseHexBig(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		s = "0"
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return n, nil
}

// usdcAmount converts a hex token quantity to whole USDC.
func usdcAmount(hexData string) float64 {
	n, err := parseHexBig(hexData)
	if err != nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(n).Float64()
	return f / usdcDecimals
}

func keccak256(chunks ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}

// namehash implements the recursive ENS label hash used by reverse
// resolution nodes.
func namehash(name string) []byte {
	node := make([]byte, 32)
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		node = keccak256(node, keccak256([]byte(labels[i])))
	}
	return node
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func addressWord(addr string) []byte {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(addr), "0x"))
	if err != nil {
		return make([]byte, 32)
	}
	return leftPad32(b)
}

// encodeCall builds eth_call data from a selector and 32-byte words.
func encodeCall(selector string, words ...[]byte) string {
	var sb strings.Builder
	sb.WriteString(selector)
	for _, w := range words {
		sb.WriteString(hex.EncodeToString(leftPad32(w)))
	}
	return sb.String()
}

// decodeAddress unpacks a 32-byte return word into an address.
func decodeAddress(ret string) string {
	h := strings.TrimPrefix(ret, "0x")
	if len(h) < 64 {
		return zeroAddress
	}
	return "0x" + strings.ToLower(h[24:64])
}

// decodeString unpacks an ABI-encoded dynamic string return value.
func decodeString(ret string) string {
	h := strings.TrimPrefix(ret, "0x")
	b, err := hex.DecodeString(h)
	if err != nil || len(b) < 64 {
		return ""
	}
	offset := new(big.Int).SetBytes(b[0:32]).Int64()
	if offset < 0 || offset+32 > int64(len(b)) {
		return ""
	}
	strLen := new(big.Int).SetBytes(b[offset : offset+32]).Int64()
	end := offset + 32 + strLen
	if strLen < 0 || end > int64(len(b)) {
		return ""
	}
	return string(b[offset+32 : end])
}
