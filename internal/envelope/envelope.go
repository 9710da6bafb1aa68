// Package envelope implements the AES-CBC + base64 + JSON wrapper used
// to validate a candidate ROM against the vendor's miotaV3 endpoint and
// extract a one-shot sideload token.
package envelope

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultServerURL is the vendor's validation endpoint.
const DefaultServerURL = "https://update.miui.com/updates/miotaV3.php"

// httpTimeout is the total budget for the validation round trip.
const httpTimeout = 30 * time.Second

// Sentinel errors.
var (
	ErrBadEnvelopeKey  = errors.New("envelope: bad AES key or IV")
	ErrBadEnvelopeBody = errors.New("envelope: response body is not valid JSON after decryption")
)

// ServerHTTPError carries a non-2xx HTTP status from the validation
// server.
type ServerHTTPError struct {
	Status int
}

func (e *ServerHTTPError) Error() string {
	return fmt.Sprintf("envelope: server returned HTTP %d", e.Status)
}

// ValidationRejectedError carries a server-reported rejection code.
type ValidationRejectedError struct {
	Kind string
}

func (e *ValidationRejectedError) Error() string {
	return fmt.Sprintf("envelope: validation rejected: %s", e.Kind)
}

// Cipher wraps a fixed AES-128 key/IV pair matching the vendor client.
// Both may be overridden via environment by the config layer; Cipher
// itself only validates their length.
type Cipher struct {
	key []byte
	iv  []byte
}

// DefaultKey and DefaultIV mimic the vendor client's compiled-in
// constants closely enough to exercise the envelope end to end; real
// deployments override both via SENSITIVITY_AES_KEY/SENSITIVITY_AES_IV.
var (
	DefaultKey = []byte("0000000000000000")
	DefaultIV  = []byte("0000000000000000")
)

// NewCipher validates that key and iv are each exactly 16 bytes (AES-128
// block size).
func NewCipher(key, iv []byte) (*Cipher, error) {
	if len(key) != aes.BlockSize || len(iv) != aes.BlockSize {
		return nil, ErrBadEnvelopeKey
	}
	return &Cipher{key: key, iv: iv}, nil
}

// Encrypt PKCS#7-pads data to a block-size multiple, AES-CBC encrypts
// it, and base64-encodes the ciphertext with the standard alphabet and
// padding.
func (c *Cipher) Encrypt(data []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadEnvelopeKey, err)
	}
	padded := pkcs7Pad(data, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt: base64-decode, AES-CBC decrypt, strip
// PKCS#7 padding.
func (c *Cipher) Decrypt(b64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("envelope: base64 decode: %w", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("envelope: ciphertext length %d not a multiple of block size", len(ciphertext))
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelopeKey, err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	pad := int(data[len(data)-1])
	if pad <= 0 || pad > aes.BlockSize || pad > len(data) {
		return data
	}
	return data[:len(data)-pad]
}

// Request is the device-identity payload posted to the validation
// server.
type Request struct {
	DeviceCodename string       `json:"d"`
	Version        string       `json:"v"`
	Codebase       string       `json:"c"`
	Branch         string       `json:"b"`
	Serial         string       `json:"sn"`
	Language       string       `json:"l"`
	Flag           string       `json:"f"`
	Options        RequestZone  `json:"options"`
	PackageMD5     string       `json:"pkg"`
}

// RequestZone carries the romzone option.
type RequestZone struct {
	Zone string `json:"zone"`
}

// Response is the decrypted validation reply, loosely typed to survive
// server-side field additions.
type Response struct {
	Signup    json.RawMessage `json:"Signup"`
	PkgRom    *PkgRom         `json:"PkgRom"`
	Validate  string          `json:"Validate"`
	EraseFlag json.RawMessage `json:"erase_flag"`
	Code      string          `json:"code"`
}

// PkgRom describes the ROM the server resolved for this request.
type PkgRom struct {
	MD5  string `json:"Md5"`
	URL  string `json:"Url"`
	Name string `json:"Name"`
}

// Token is the outcome of a successful validation.
type Token struct {
	Value         string
	WipeRequired  bool
	ROMURL        string
	ExpectedMD5   string
}

// truthy interprets a bool-or-int JSON scalar the way the vendor
// server encodes Signup/erase_flag.
func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var n int
	if json.Unmarshal(raw, &n) == nil {
		return n != 0
	}
	return false
}

// Client posts validation requests over HTTP.
type Client struct {
	HTTP      *http.Client
	ServerURL string
	Cipher    *Cipher
	AllowHTTP bool
}

// NewClient builds a Client with the given cipher and server URL,
// defaulting the URL when empty.
func NewClient(c *Cipher, serverURL string, allowHTTP bool) (*Client, error) {
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("envelope: bad server url: %w", err)
	}
	if u.Scheme == "http" && !allowHTTP {
		return nil, fmt.Errorf("envelope: refusing plaintext http without --http: %s", serverURL)
	}
	return &Client{
		HTTP:      &http.Client{Timeout: httpTimeout},
		ServerURL: serverURL,
		Cipher:    c,
		AllowHTTP: allowHTTP,
	}, nil
}

// Validate encrypts req, posts it as q=<b64>&t=&s=1, decrypts the
// response, extracts the JSON object, and either returns a Token or a
// ValidationRejectedError.
func (c *Client) Validate(ctx context.Context, req Request) (*Token, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal request: %w", err)
	}
	b64, err := c.Cipher.Encrypt(body)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("q", b64)
	form.Set("t", "")
	form.Set("s", "1")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("envelope: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("envelope: http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ServerHTTPError{Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("envelope: read response body: %w", err)
	}

	plaintext, err := c.Cipher.Decrypt(string(raw))
	if err != nil {
		return nil, fmt.Errorf("envelope: decrypt response: %w", err)
	}

	jsonBytes, err := ExtractJSONObject(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelopeBody, err)
	}

	var parsed Response
	if err := json.Unmarshal(jsonBytes, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelopeBody, err)
	}

	if truthy(parsed.Signup) && parsed.Validate != "" {
		tok := &Token{
			Value:        parsed.Validate,
			WipeRequired: truthy(parsed.EraseFlag),
		}
		if parsed.PkgRom != nil {
			tok.ROMURL = parsed.PkgRom.URL
			tok.ExpectedMD5 = parsed.PkgRom.MD5
		}
		return tok, nil
	}

	kind := parsed.Code
	if kind == "" {
		kind = "rejected"
	}
	return nil, &ValidationRejectedError{Kind: kind}
}

// ExtractJSONObject returns the substring from the first '{' to the
// last '}' inclusive, tolerating noise the server may prepend or
// append.
func ExtractJSONObject(data []byte) ([]byte, error) {
	start := bytes.IndexByte(data, '{')
	end := bytes.LastIndexByte(data, '}')
	if start < 0 || end < 0 || end < start {
		return nil, errors.New("envelope: no JSON object delimiters found")
	}
	candidate := data[start : end+1]
	if !json.Valid(candidate) {
		return nil, errors.New("envelope: extracted substring is not valid JSON")
	}
	return candidate, nil
}
