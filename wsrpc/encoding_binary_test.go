package wsrpc

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
)

func TestBinaryRequestRoundTripPlain(t *testing.T) {
	proto := Protocol{Kind: KindRestBinary}
	req := RequestContext{
		Method:      "POST",
		URL:         "/users",
		Header:      http.Header{"X-Trace": {"abc"}},
		Body:        []byte{0x01, 0x02, 0x03, 0xFF},
		ContentType: "application/octet-stream",
	}

	payload, err := EncodeBinaryRequest(req, proto)
	if err != nil {
		t.Fatalf("EncodeBinaryRequest: %v", err)
	}
	got, err := DecodeBinaryRequest(payload, proto)
	if err != nil {
		t.Fatalf("DecodeBinaryRequest: %v", err)
	}
	if got.Method != req.Method || got.URL != req.URL {
		t.Fatalf("mismatch: got %+v", got)
	}
	if !bytes.Equal(got.Body, req.Body) {
		t.Fatalf("body mismatch: got %x want %x", got.Body, req.Body)
	}
	if got.Header.Get("X-Trace") != "abc" {
		t.Fatalf("header not preserved: %v", got.Header)
	}
}

func TestBinaryRequestRoundTripCompressed(t *testing.T) {
	proto := Protocol{Kind: KindRestBinary, Compression: true}
	body := bytes.Repeat([]byte("compress me please "), 100) // well above threshold
	req := RequestContext{Method: "GET", URL: "/big", Body: body, ContentType: "text/plain"}

	payload, err := EncodeBinaryRequest(req, proto)
	if err != nil {
		t.Fatalf("EncodeBinaryRequest: %v", err)
	}
	_, rest, err := splitHead(payload)
	if err != nil {
		t.Fatalf("splitHead: %v", err)
	}
	if rest[0]&byte(binaryFlagCompressed) == 0 {
		t.Fatal("expected compressed flag to be set for a large, repetitive body")
	}

	got, err := DecodeBinaryRequest(payload, proto)
	if err != nil {
		t.Fatalf("DecodeBinaryRequest: %v", err)
	}
	if !bytes.Equal(got.Body, body) {
		t.Fatal("body mismatch after compressed round trip")
	}
}

func TestBinaryRequestHeadTokenStaysCleartext(t *testing.T) {
	proto := Protocol{Kind: KindRestBinary, Compression: true, EncryptionKey: "k3y"}
	req := RequestContext{Method: "GET", URL: "/x", Body: bytes.Repeat([]byte("z"), 1000), ContentType: "text/plain"}

	payload, err := EncodeBinaryRequest(req, proto)
	if err != nil {
		t.Fatalf("EncodeBinaryRequest: %v", err)
	}
	if !bytes.HasPrefix(payload, []byte(headRequest)) {
		t.Fatalf("expected head token %q to be readable in cleartext at the front of the frame, got %x", headRequest, payload[:len(headRequest)+1])
	}
	head, _, err := splitHead(payload)
	if err != nil {
		t.Fatalf("splitHead: %v", err)
	}
	if !strings.EqualFold(head, headRequest) {
		t.Fatalf("splitHead returned %q, want %q", head, headRequest)
	}
}

func TestBinaryRequestRoundTripEncrypted(t *testing.T) {
	proto := Protocol{Kind: KindRestBinary, EncryptionKey: "correct horse battery staple"}
	req := RequestContext{Method: "DELETE", URL: "/secret", Body: []byte("top secret payload"), ContentType: "text/plain"}

	payload, err := EncodeBinaryRequest(req, proto)
	if err != nil {
		t.Fatalf("EncodeBinaryRequest: %v", err)
	}
	if bytes.Contains(payload, []byte("top secret")) {
		t.Fatal("plaintext leaked into the encrypted wire payload")
	}

	got, err := DecodeBinaryRequest(payload, proto)
	if err != nil {
		t.Fatalf("DecodeBinaryRequest: %v", err)
	}
	if string(got.Body) != "top secret payload" {
		t.Fatalf("decrypted body mismatch: got %q", got.Body)
	}

	wrongKey := Protocol{Kind: KindRestBinary, EncryptionKey: "wrong key"}
	if _, err := DecodeBinaryRequest(payload, wrongKey); err == nil {
		t.Fatal("expected decode with the wrong key to fail")
	}
}

func TestBinaryRequestRoundTripCompressedAndEncrypted(t *testing.T) {
	proto := Protocol{Kind: KindRestBinary, Compression: true, EncryptionKey: "k3y"}
	body := bytes.Repeat([]byte("round trip "), 200)
	req := RequestContext{Method: "PUT", URL: "/both", Body: body, ContentType: "text/plain"}

	payload, err := EncodeBinaryRequest(req, proto)
	if err != nil {
		t.Fatalf("EncodeBinaryRequest: %v", err)
	}
	got, err := DecodeBinaryRequest(payload, proto)
	if err != nil {
		t.Fatalf("DecodeBinaryRequest: %v", err)
	}
	if !bytes.Equal(got.Body, body) {
		t.Fatal("body mismatch after compressed+encrypted round trip")
	}
}

func TestBinaryAnswerRoundTrip(t *testing.T) {
	proto := Protocol{Kind: KindRestBinary}
	resp := ResponseContext{Status: 500, Body: []byte("boom"), ContentType: "text/plain"}

	payload, err := EncodeBinaryAnswer(resp, proto)
	if err != nil {
		t.Fatalf("EncodeBinaryAnswer: %v", err)
	}
	got, err := DecodeBinaryAnswer(payload, proto)
	if err != nil {
		t.Fatalf("DecodeBinaryAnswer: %v", err)
	}
	if got.Status != 500 || string(got.Body) != "boom" {
		t.Fatalf("mismatch: got %+v", got)
	}
}

func TestDecodeBinaryRequestRejectsAnswerHeadToken(t *testing.T) {
	proto := Protocol{Kind: KindRestBinary}
	payload, err := EncodeBinaryAnswer(ResponseContext{Status: 200}, proto)
	if err != nil {
		t.Fatalf("EncodeBinaryAnswer: %v", err)
	}
	if _, err := DecodeBinaryRequest(payload, proto); err != ErrHeadTokenMismatch {
		t.Fatalf("expected ErrHeadTokenMismatch, got %v", err)
	}
}

func TestPKCS7PadUnpadRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 31, 32, 100} {
		data := bytes.Repeat([]byte{0xAB}, n)
		padded := pkcs7Pad(data, 16)
		if len(padded)%16 != 0 {
			t.Fatalf("size %d: padded length %d not block-aligned", n, len(padded))
		}
		unpadded, err := pkcs7Unpad(padded)
		if err != nil {
			t.Fatalf("size %d: pkcs7Unpad: %v", n, err)
		}
		if !bytes.Equal(unpadded, data) {
			t.Fatalf("size %d: round trip mismatch", n)
		}
	}
}

func TestLZ4CompressDecompressRoundTrip(t *testing.T) {
	for _, s := range []string{
		"",
		"short",
		strings.Repeat("a", 10000),
		strings.Repeat("abcdefgh", 5000),
	} {
		compressed, err := lz4Compress([]byte(s))
		if err != nil {
			t.Fatalf("lz4Compress(%d bytes): %v", len(s), err)
		}
		got, err := lz4Decompress(compressed)
		if err != nil {
			t.Fatalf("lz4Decompress(%d bytes): %v", len(s), err)
		}
		if string(got) != s {
			t.Fatalf("round trip mismatch for %d-byte input", len(s))
		}
	}
}
