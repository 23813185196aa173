package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"

	"github.com/lightfold/difftune/pkg/core"
)

// Key derives the cache key for one scored item from the scorer signature,
// the prompt and the rendered tensor's exact contents. Two items collide
// only when the same scorer would judge the same pixels of the same prompt,
// which is exactly when reusing the reward is sound.
func Key(signature, prompt string, output *core.Tensor) string {
	h := sha256.New()
	io.WriteString(h, signature)
	h.Write([]byte{0})
	io.WriteString(h, prompt)
	h.Write([]byte{0})

	var buf [8]byte
	for _, dim := range output.Shape {
		binary.LittleEndian.PutUint64(buf[:], uint64(dim))
		h.Write(buf[:])
	}
	h.Write([]byte{0})
	for _, v := range output.Data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
