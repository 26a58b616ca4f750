package harness

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	trustStoreFile  = "ca.pem"
	certificateFile = "broker.cert.pem"
	keyFile         = "broker.key.pem"

	certificateValidity = 24 * time.Hour
)

// TLSMaterial locates the PEM files generated for one harness.
type TLSMaterial struct {
	Dir             string
	TrustStorePath  string
	CertificatePath string
	KeyPath         string
}

// generateTLSMaterial writes a throwaway CA and a broker certificate signed by it into a new
// temporary directory. The certificate is valid for localhost, the loopback addresses and host.
func generateTLSMaterial(host string) (TLSMaterial, error) {
	dir, err := os.MkdirTemp("", "kop-harness-tls-")
	if err != nil {
		return TLSMaterial{}, err
	}
	m := TLSMaterial{
		Dir:             dir,
		TrustStorePath:  filepath.Join(dir, trustStoreFile),
		CertificatePath: filepath.Join(dir, certificateFile),
		KeyPath:         filepath.Join(dir, keyFile),
	}
	if err := m.generate(host); err != nil {
		_ = os.RemoveAll(dir)
		return TLSMaterial{}, fmt.Errorf("generating TLS material: %w", err)
	}
	return m, nil
}

func (m TLSMaterial) generate(host string) error {
	now := time.Now()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "kop-harness-ca"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certificateValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certificateValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else if host != "localhost" {
		template.DNSNames = append(template.DNSNames, host)
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}

	if err := writePEM(m.TrustStorePath, "CERTIFICATE", caDER); err != nil {
		return err
	}
	if err := writePEM(m.CertificatePath, "CERTIFICATE", der); err != nil {
		return err
	}
	return writePEM(m.KeyPath, "EC PRIVATE KEY", keyDER)
}

func writePEM(path, blockType string, der []byte) error {
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600)
}

// ClientTLSConfig trusts only the harness CA.
func (m TLSMaterial) ClientTLSConfig() (*tls.Config, error) {
	data, err := os.ReadFile(m.TrustStorePath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", m.TrustStorePath)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (m TLSMaterial) remove() error {
	if m.Dir == "" {
		return nil
	}
	return os.RemoveAll(m.Dir)
}
