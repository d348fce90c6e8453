package util

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// Code pages the vendor console may be configured with. The tool runs in a
// Windows console, so the single-byte Windows/OEM pages come first; the CJK
// pages cover localized Windows installs.
var consoleEncodings = map[string]encoding.Encoding{
	"windows-1252": charmap.Windows1252,
	"cp437":        charmap.CodePage437,
	"cp850":        charmap.CodePage850,
	"iso8859-1":    charmap.ISO8859_1,
	"gb18030":      simplifiedchinese.GB18030,
	"gbk":          simplifiedchinese.GBK,
	"big5":         traditionalchinese.Big5,
}

// ConsoleEncoding resolves a code page name from config. Unknown names fall
// back to windows-1252, which decodes any byte sequence.
func ConsoleEncoding(name string) encoding.Encoding {
	if enc, ok := consoleEncodings[strings.ToLower(strings.TrimSpace(name))]; ok {
		return enc
	}
	return charmap.Windows1252
}

// DecodeConsole converts raw console output bytes to a UTF-8 string using
// the named code page. Bytes that are already valid UTF-8 pass through
// unchanged; if decoding fails, the raw bytes are returned as-is so the
// caller still sees something matchable.
func DecodeConsole(b []byte, codePage string) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	if s, ok := tryDecode(ConsoleEncoding(codePage), b); ok {
		return s
	}
	return string(b)
}

func tryDecode(enc encoding.Encoding, b []byte) (string, bool) {
	reader := transform.NewReader(bytes.NewReader(b), enc.NewDecoder())
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", false
	}
	if utf8.Valid(decoded) {
		return string(decoded), true
	}
	return "", false
}
