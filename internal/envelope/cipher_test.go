package envelope

import (
	"bytes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"strconv"
	"strings"
	"testing"

	"wxgate/internal/signature"
)

const testAppID = "wx0123456789abcdef"

func testKey() string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i*7 + 3)
	}
	return strings.TrimRight(base64.StdEncoding.EncodeToString(raw), "=")
}

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(testKey(), testAppID)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return c
}

// encryptRaw CBC-encrypts a frame that the caller already aligned, without
// adding any padding.
func encryptRaw(t *testing.T, c *Cipher, frame []byte) string {
	t.Helper()
	if len(frame)%16 != 0 {
		t.Fatalf("frame length %d not block aligned", len(frame))
	}
	out := make([]byte, len(frame))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, frame)
	return base64.StdEncoding.EncodeToString(out)
}

func TestDecodeKey_Length(t *testing.T) {
	key, err := DecodeKey(testKey())
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(key))
	}
}

func TestDecodeKey_Invalid(t *testing.T) {
	if _, err := DecodeKey("short"); !errors.Is(err, ErrKeyLength) {
		t.Errorf("expected ErrKeyLength, got %v", err)
	}
}

func TestNewCipher_IVFromKey(t *testing.T) {
	c := newTestCipher(t)
	key, _ := DecodeKey(testKey())
	if !bytes.Equal(c.iv, key[:16]) {
		t.Error("iv must be the first 16 key bytes")
	}
}

func TestRoundTrip_Lengths(t *testing.T) {
	c := newTestCipher(t)
	for _, n := range []int{0, 1, 15, 16, 26, 31, 32, 44, 64, 100, 1024, 4096, 8000} {
		msg := bytes.Repeat([]byte("x"), n)
		enc, err := c.Encrypt(msg)
		if err != nil {
			t.Fatalf("encrypt %d: %v", n, err)
		}
		got, appID, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("decrypt %d: %v", n, err)
		}
		if !bytes.Equal(got, msg) {
			t.Errorf("length %d: round trip mismatch", n)
		}
		if appID != testAppID {
			t.Errorf("length %d: expected app id %q, got %q", n, testAppID, appID)
		}
	}
}

func TestEncrypt_AlignedFrameGetsFullPadBlock(t *testing.T) {
	c := newTestCipher(t)
	// 16 + 4 + 26 + 18 = 64, already a multiple of 32.
	enc, err := c.Encrypt(bytes.Repeat([]byte("a"), 26))
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.StdEncoding.DecodeString(enc)
	if len(raw) != 96 {
		t.Fatalf("expected 96 ciphertext bytes, got %d", len(raw))
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(plain, raw)
	for i := 64; i < 96; i++ {
		if plain[i] != 32 {
			t.Fatalf("byte %d: expected pad 32, got %d", i, plain[i])
		}
	}
}

func TestEncrypt_RandomPrefixDiffers(t *testing.T) {
	c := newTestCipher(t)
	a, _ := c.Encrypt([]byte("same"))
	b, _ := c.Encrypt([]byte("same"))
	if a == b {
		t.Error("two encryptions of the same message should differ")
	}
}

func TestDecrypt_PadByteOutOfRangeNotStripped(t *testing.T) {
	c := newTestCipher(t)
	for _, last := range []byte{0, 33, 255} {
		frame := make([]byte, 16)
		frame = binary.BigEndian.AppendUint32(frame, 5)
		frame = append(frame, "hello"...)
		frame = append(frame, "wxapp"...)
		for len(frame)%16 != 15 {
			frame = append(frame, 'z')
		}
		frame = append(frame, last)

		msg, tail, err := c.Decrypt(encryptRaw(t, c, frame))
		if err != nil {
			t.Fatalf("pad %d: %v", last, err)
		}
		if string(msg) != "hello" {
			t.Errorf("pad %d: expected hello, got %q", last, msg)
		}
		if !strings.HasPrefix(tail, "wxapp") || tail[len(tail)-1] != last {
			t.Errorf("pad %d: trailing bytes should be kept, got %q", last, tail)
		}
	}
}

func TestDecrypt_TooShortYieldsEmpty(t *testing.T) {
	c := newTestCipher(t)
	// 16 bytes of pad value 16: everything is stripped.
	frame := bytes.Repeat([]byte{16}, 16)
	msg, appID, err := c.Decrypt(encryptRaw(t, c, frame))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(msg) != 0 || appID != "" {
		t.Errorf("expected empty result, got %q / %q", msg, appID)
	}
}

func TestDecrypt_LengthBeyondFrameIsClamped(t *testing.T) {
	c := newTestCipher(t)
	frame := make([]byte, 16)
	frame = binary.BigEndian.AppendUint32(frame, 1000)
	frame = append(frame, "abcdefghijkl"...)
	msg, appID, err := c.Decrypt(encryptRaw(t, c, frame))
	if err != nil {
		t.Fatal(err)
	}
	if string(msg) != "abcdefghijkl" || appID != "" {
		t.Errorf("unexpected result %q / %q", msg, appID)
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	c := newTestCipher(t)
	if _, _, err := c.Decrypt("%%%"); !errors.Is(err, ErrCiphertext) {
		t.Errorf("bad base64: expected ErrCiphertext, got %v", err)
	}
	short := base64.StdEncoding.EncodeToString([]byte("not-a-block"))
	if _, _, err := c.Decrypt(short); !errors.Is(err, ErrCiphertext) {
		t.Errorf("unaligned: expected ErrCiphertext, got %v", err)
	}
}

func TestSeal_SignatureAndShape(t *testing.T) {
	c := newTestCipher(t)
	out, err := c.Seal([]byte("<xml><Content>hi</Content></xml>"), "tok", 1700000000, "nonce1")
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	for _, want := range []string{"<Encrypt><![CDATA[", "<MsgSignature><![CDATA[", "<TimeStamp>1700000000</TimeStamp>", "<Nonce><![CDATA[nonce1]]></Nonce>"} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %q in %s", want, s)
		}
	}

	var got sealed
	if err := xml.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	stamp := strconv.FormatInt(got.TimeStamp, 10)
	if got.MsgSignature.Value != signature.Compute("tok", stamp, got.Nonce.Value, got.Encrypt.Value) {
		t.Error("msg signature mismatch")
	}
	msg, _, err := c.Decrypt(got.Encrypt.Value)
	if err != nil || string(msg) != "<xml><Content>hi</Content></xml>" {
		t.Errorf("sealed payload does not decrypt: %q %v", msg, err)
	}
}

func TestParseInbound(t *testing.T) {
	in, err := ParseInbound([]byte("<xml><ToUserName><![CDATA[gh_1]]></ToUserName><Encrypt><![CDATA[ABC=]]></Encrypt></xml>"))
	if err != nil {
		t.Fatal(err)
	}
	if in.Encrypt != "ABC=" || in.ToUserName != "gh_1" {
		t.Errorf("unexpected %+v", in)
	}
	if _, err := ParseInbound([]byte("<xml></xml>")); err == nil {
		t.Error("expected error for missing Encrypt")
	}
	if _, err := ParseInbound([]byte("<xml><Encrypt>")); err == nil {
		t.Error("expected error for malformed body")
	}
}
