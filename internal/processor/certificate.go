package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tkingovr/isnad/api"
)

// ErrSignatureMissing is recorded when the tool exited cleanly without
// producing a certificate.
var ErrSignatureMissing = errors.New("signature generation failed")

type certificateFile struct {
	Fingerprint string          `json:"fingerprint"`
	Signature   string          `json:"signature"`
	Manifest    json.RawMessage `json:"manifest"`
}

type manifest struct {
	Hash string `json:"hash"`
}

// ParseCertificate decodes the tool's output. Two shapes are accepted: a
// flat {"fingerprint","signature"} object, and an isnad record
// {"manifest":{"hash",...},"signature"} whose manifest hash is the
// fingerprint.
func ParseCertificate(data []byte) (*api.Certificate, error) {
	var f certificateFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding certificate: %w", err)
	}

	cert := &api.Certificate{
		Fingerprint: strings.TrimSpace(f.Fingerprint),
		Signature:   f.Signature,
	}
	if len(f.Manifest) > 0 && string(f.Manifest) != "null" {
		var m manifest
		if err := json.Unmarshal(f.Manifest, &m); err != nil {
			return nil, fmt.Errorf("decoding certificate manifest: %w", err)
		}
		if cert.Fingerprint == "" {
			cert.Fingerprint = strings.TrimSpace(m.Hash)
		}
		cert.Manifest = f.Manifest
	}

	if cert.Fingerprint == "" {
		return nil, errors.New("certificate has no fingerprint")
	}
	if strings.TrimSpace(cert.Signature) == "" {
		return nil, errors.New("certificate has no signature")
	}
	return cert, nil
}
