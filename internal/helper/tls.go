package helper

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Wireshark HTTPS parsing configuration.
var tlsKeyLogWriter io.Writer
var tlsKeyLogOnce sync.Once

func GetTLSKeyLogWriter() io.Writer {
	tlsKeyLogOnce.Do(func() {
		logfile := os.Getenv("SSLKEYLOGFILE")
		if logfile == "" {
			return
		}

		writer, err := os.OpenFile(logfile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			slog.Debug("getTlsKeyLogWriter OpenFile error", "error", err)
			return
		}

		tlsKeyLogWriter = writer
	})
	return tlsKeyLogWriter
}

// IsTLSPreviewByte reports whether a single preview byte read from a freshly
// tunneled CONNECT socket indicates a TLS client, per the CONNECT
// Dispatcher's first-byte heuristic: 0x16 is a TLS >=1.0 handshake record,
// 0x80 and 0x00 are the high/low forms of an SSLv2 record's MSB-flagged
// length byte. Anything else is treated as plaintext HTTP. This is
// deliberately shallower than IsTLS, which inspects three bytes of a real
// TLS record header; the dispatcher is only ever allowed to look at the
// first byte.
func IsTLSPreviewByte(b byte) bool {
	return b == 0x16 || b == 0x80 || b == 0x00
}
