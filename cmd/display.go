package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// FormatCodeWithSpaces groups a pairing code for readability:
// "ABC234" becomes "ABC 234".
func FormatCodeWithSpaces(code string) string {
	if len(code) <= 3 {
		return code
	}
	var b strings.Builder
	for i, r := range code {
		if i > 0 && i%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// PairingPayload builds the voxterm:// URI that the companion app scans
// to pair: host address, current code, and certificate fingerprint for
// pinning.
func PairingPayload(code, addr, fingerprint string) string {
	v := url.Values{}
	v.Set("host", addr)
	v.Set("code", code)
	if fingerprint != "" {
		v.Set("fp", fingerprint)
	}
	return "voxterm://pair?" + v.Encode()
}

// DisplayPairingCode prints the pairing banner shown at host startup.
func DisplayPairingCode(w io.Writer, code, addr string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  ========================================")
	fmt.Fprintf(w, "   Pairing code:  %s\n", FormatCodeWithSpaces(code))
	fmt.Fprintf(w, "   Connect to:    %s\n", addr)
	fmt.Fprintln(w, "  ========================================")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Enter this code in the voxterm app to connect.")
	fmt.Fprintln(w)
}

// DisplayQRCode renders the pairing payload as a terminal QR code,
// falling back to the text banner when rendering fails.
func DisplayQRCode(w io.Writer, code, addr, fingerprint string) {
	payload := PairingPayload(code, addr, fingerprint)
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		DisplayPairingCode(w, code, addr)
		return
	}

	fmt.Fprintln(w)
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintf(w, "  Scan with the voxterm app, or enter code %s at %s\n\n",
		FormatCodeWithSpaces(code), addr)
}
