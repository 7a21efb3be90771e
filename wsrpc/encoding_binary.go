package wsrpc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// fieldSep separates the head token from the payload block, and the
// fields within the payload block, in a "wsrpcbinary" frame (spec.md
// §4.B): head_token || 0x01 || payload_block, where payload_block
// itself (once decompressed/decrypted) is field1 || 0x01 || ... ||
// content. The head token is never compressed or encrypted — it has to
// be readable without touching the rest of the frame, so a decoder can
// drop a misdirected frame cheaply (§4.F/§9) before paying for
// decrypt/decompress. Only the fields before the content segment are
// split on it; the content segment runs to the end of the buffer and
// may itself contain 0x01 bytes freely.
const fieldSep = 0x01

// compressionThreshold is the plaintext size above which the binary
// adapter LZ-compresses the frame body (spec.md §4.C / §6).
const compressionThreshold = 512

// binaryFlags is a one-byte prefix recording which of the two optional
// transforms were applied to this particular message, so the receiver
// doesn't have to guess from size alone whether compression kicked in.
// Grounded on the per-frame FrameFlags bitmask pattern (FlagCompressed,
// FlagEncrypted) used by the AOCS-style binary protocol referenced in
// the retrieval pack.
type binaryFlags byte

const (
	binaryFlagCompressed binaryFlags = 1 << 0
	binaryFlagEncrypted  binaryFlags = 1 << 1
)

const aesIVSize = aes.BlockSize // 16 bytes, prepended to the ciphertext.

// EncodeBinaryRequest serializes req as a "wsrpcbinary" Binary frame
// payload, per proto's Compression/EncryptionKey settings.
func EncodeBinaryRequest(req RequestContext, proto Protocol) ([]byte, error) {
	headers, err := encodeHeaderField(req.Header)
	if err != nil {
		return nil, err
	}
	noAnswer := "0"
	if req.NoAnswer {
		noAnswer = "1"
	}

	fields := [][]byte{
		[]byte(req.Method),
		[]byte(req.URL),
		[]byte(headers),
		[]byte(noAnswer),
		[]byte(req.ContentType),
	}
	plain := joinFields(fields, req.Body)
	packed, err := packBinaryFrame(plain, proto)
	if err != nil {
		return nil, err
	}
	return prependHead(headRequest, packed), nil
}

// DecodeBinaryRequest is the strict inverse of EncodeBinaryRequest. The
// head token is validated before the remainder is decrypted or
// decompressed, so a misdirected frame is dropped without that cost.
func DecodeBinaryRequest(payload []byte, proto Protocol) (RequestContext, error) {
	head, rest, err := splitHead(payload)
	if err != nil {
		return RequestContext{}, err
	}
	if !strings.EqualFold(head, headRequest) {
		return RequestContext{}, ErrHeadTokenMismatch
	}

	plain, err := unpackBinaryFrame(rest, proto)
	if err != nil {
		return RequestContext{}, err
	}

	fields, body, err := splitFields(plain, 5)
	if err != nil {
		return RequestContext{}, err
	}

	hdr, err := decodeHeaderField(string(fields[2]))
	if err != nil {
		return RequestContext{}, err
	}

	return RequestContext{
		Method:      string(fields[0]),
		URL:         string(fields[1]),
		Header:      hdr,
		Body:        body,
		ContentType: string(fields[4]),
		NoAnswer:    string(fields[3]) == "1",
	}, nil
}

// EncodeBinaryAnswer serializes resp as a "wsrpcbinary" Binary frame payload.
func EncodeBinaryAnswer(resp ResponseContext, proto Protocol) ([]byte, error) {
	headers, err := encodeHeaderField(resp.Header)
	if err != nil {
		return nil, err
	}

	fields := [][]byte{
		[]byte(strconv.Itoa(resp.Status)),
		[]byte(headers),
		[]byte(resp.ContentType),
	}
	plain := joinFields(fields, resp.Body)
	packed, err := packBinaryFrame(plain, proto)
	if err != nil {
		return nil, err
	}
	return prependHead(headAnswer, packed), nil
}

// DecodeBinaryAnswer is the strict inverse of EncodeBinaryAnswer. The
// head token is validated before the remainder is decrypted or
// decompressed, so a misdirected frame is dropped without that cost.
func DecodeBinaryAnswer(payload []byte, proto Protocol) (ResponseContext, error) {
	head, rest, err := splitHead(payload)
	if err != nil {
		return ResponseContext{}, err
	}
	if !strings.EqualFold(head, headAnswer) {
		return ResponseContext{}, ErrHeadTokenMismatch
	}

	plain, err := unpackBinaryFrame(rest, proto)
	if err != nil {
		return ResponseContext{}, err
	}

	fields, body, err := splitFields(plain, 3)
	if err != nil {
		return ResponseContext{}, err
	}

	status, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		return ResponseContext{}, fmt.Errorf("%w: status %q not numeric", ErrMalformedPayload, fields[0])
	}
	hdr, err := decodeHeaderField(string(fields[1]))
	if err != nil {
		return ResponseContext{}, err
	}

	return ResponseContext{
		Status:      status,
		Header:      hdr,
		Body:        body,
		ContentType: string(fields[2]),
	}, nil
}

// joinFields builds the payload block field1 || 0x01 || ... || content,
// the part of the frame that gets compressed/encrypted by packBinaryFrame.
func joinFields(fields [][]byte, content []byte) []byte {
	var buf bytes.Buffer
	for _, f := range fields {
		buf.Write(f)
		buf.WriteByte(fieldSep)
	}
	buf.Write(content)
	return buf.Bytes()
}

// splitFields reverses joinFields, expecting exactly wantFields fields
// ahead of the content segment.
func splitFields(plain []byte, wantFields int) (fields [][]byte, content []byte, err error) {
	parts := bytes.SplitN(plain, []byte{fieldSep}, wantFields+1)
	if len(parts) != wantFields+1 {
		return nil, nil, fmt.Errorf("%w: expected %d fields, got %d segments", ErrMalformedPayload, wantFields, len(parts)-1)
	}
	return parts[:wantFields], parts[wantFields], nil
}

// prependHead writes head || 0x01 || body, where body is already the
// fully packed (possibly compressed/encrypted) payload block. The head
// token itself is never transformed.
func prependHead(head string, body []byte) []byte {
	out := make([]byte, 0, len(head)+1+len(body))
	out = append(out, head...)
	out = append(out, fieldSep)
	out = append(out, body...)
	return out
}

// splitHead reverses prependHead, splitting the cleartext head token
// off the front of a raw wire frame before anything is decrypted or
// decompressed.
func splitHead(raw []byte) (head string, rest []byte, err error) {
	idx := bytes.IndexByte(raw, fieldSep)
	if idx < 0 {
		return "", nil, fmt.Errorf("%w: missing head token separator", ErrMalformedPayload)
	}
	return string(raw[:idx]), raw[idx+1:], nil
}

// packBinaryFrame applies, in order, LZ compression (if proto.Compression
// and plain exceeds compressionThreshold) and AES-CFB encryption (if
// proto.EncryptionKey is set), and prepends the one-byte flag header.
func packBinaryFrame(plain []byte, proto Protocol) ([]byte, error) {
	var flags binaryFlags
	payload := plain

	if proto.Compression && len(payload) > compressionThreshold {
		compressed, err := lz4Compress(payload)
		if err != nil {
			return nil, err
		}
		flags |= binaryFlagCompressed
		payload = compressed
	}

	if proto.EncryptionKey != "" {
		encrypted, err := aesEncrypt(payload, proto.EncryptionKey)
		if err != nil {
			return nil, err
		}
		flags |= binaryFlagEncrypted
		payload = encrypted
	}

	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(flags))
	out = append(out, payload...)
	return out, nil
}

// unpackBinaryFrame is the strict inverse of packBinaryFrame.
func unpackBinaryFrame(raw []byte, proto Protocol) ([]byte, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("%w: binary frame missing flag byte", ErrMalformedPayload)
	}
	flags := binaryFlags(raw[0])
	payload := raw[1:]

	if flags&binaryFlagEncrypted != 0 {
		if proto.EncryptionKey == "" {
			return nil, fmt.Errorf("%w: frame is encrypted but no key configured", ErrMalformedPayload)
		}
		decrypted, err := aesDecrypt(payload, proto.EncryptionKey)
		if err != nil {
			return nil, err
		}
		payload = decrypted
	}

	if flags&binaryFlagCompressed != 0 {
		decompressed, err := lz4Decompress(payload)
		if err != nil {
			return nil, err
		}
		payload = decompressed
	}

	return payload, nil
}

// lz4Compress uses the fast LZ4 block format (spec.md §6's "fast LZ
// variant"); it prepends the uncompressed length as a varint-free
// 4-byte count so lz4Decompress can size its destination buffer,
// followed by one byte that is 1 for an LZ4 block and 0 for raw bytes.
func lz4Compress(src []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, buf)
	if err != nil {
		return nil, err
	}
	if n == 0 && len(src) > 0 {
		// Incompressible input: lz4 declines, fall back to storing raw
		// and let the decompressor detect it via the stored/compressed byte.
		return prefixLen(len(src), src, false), nil
	}
	return prefixLen(len(src), buf[:n], true), nil
}

func lz4Decompress(src []byte) ([]byte, error) {
	if len(src) < 5 {
		return nil, fmt.Errorf("%w: truncated lz4 block", ErrMalformedPayload)
	}
	origLen := int(src[0])<<24 | int(src[1])<<16 | int(src[2])<<8 | int(src[3])
	stored := src[4] == 0
	body := src[5:]
	if stored {
		return body, nil
	}
	dst := make([]byte, origLen)
	n, err := lz4.UncompressBlock(body, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

func prefixLen(origLen int, body []byte, compressed bool) []byte {
	out := make([]byte, 0, len(body)+5)
	out = append(out, byte(origLen>>24), byte(origLen>>16), byte(origLen>>8), byte(origLen))
	if compressed {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return append(out, body...)
}

// deriveAESKey hashes a textual key down to a 256-bit AES-256 key
// (spec.md §6). Using SHA-256 rather than truncation means any
// passphrase length works and short keys aren't weakened further.
func deriveAESKey(textual string) [32]byte {
	return sha256.Sum256([]byte(textual))
}

// aesEncrypt implements the spec's legacy wire contract: a random
// 16-byte IV prepended to ciphertext, AES-CFB mode, PKCS7 padding.
// AES-CFB (not an AEAD like chacha20poly1305) is required here because
// the wire format has no authentication tag to carry — switching
// cipher families would break compatibility with that exact byte
// layout, not just the algorithm.
func aesEncrypt(plain []byte, textualKey string) ([]byte, error) {
	key := deriveAESKey(textualKey)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plain, aes.BlockSize)

	iv := make([]byte, aesIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	out := make([]byte, aesIVSize+len(padded))
	copy(out, iv)

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(out[aesIVSize:], padded)
	return out, nil
}

func aesDecrypt(ciphertext []byte, textualKey string) ([]byte, error) {
	if len(ciphertext) < aesIVSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than IV", ErrMalformedPayload)
	}
	key := deriveAESKey(textualKey)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv := ciphertext[:aesIVSize]
	body := ciphertext[aesIVSize:]
	if len(body)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block-aligned", ErrMalformedPayload)
	}

	plain := make([]byte, len(body))
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(plain, body)

	return pkcs7Unpad(plain)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty padded buffer", ErrMalformedPayload)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("%w: invalid PKCS7 padding", ErrMalformedPayload)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: invalid PKCS7 padding", ErrMalformedPayload)
		}
	}
	return data[:len(data)-padLen], nil
}
