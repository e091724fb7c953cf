package security

import (
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveCertToFile(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set cluster encryption key: %v", err)
	}

	tmpCertDir, err := os.MkdirTemp("", "rimio-cert-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp cert dir: %v", err)
	}
	defer os.RemoveAll(tmpCertDir)

	ca := NewCertAuthority()
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("test-node", []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	if err := SaveCertToFile(cert, tmpCertDir); err != nil {
		t.Fatalf("Failed to save certificate: %v", err)
	}

	certPath := filepath.Join(tmpCertDir, "node.crt")
	keyPath := filepath.Join(tmpCertDir, "node.key")
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		t.Error("Certificate file should exist")
	}
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		t.Error("Key file should exist")
	}

	// The PEM pair on disk must load back as a usable keypair.
	loaded, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("Saved cert/key pair should load: %v", err)
	}
	if len(loaded.Certificate) == 0 {
		t.Error("Loaded certificate should have at least one DER block")
	}
}

func TestGetCertDir(t *testing.T) {
	for _, nodeID := range []string{"node1", "node2"} {
		t.Run(nodeID, func(t *testing.T) {
			certDir, err := GetCertDir(nodeID)
			if err != nil {
				t.Fatalf("Failed to get cert dir: %v", err)
			}
			expected := "node-" + nodeID
			if filepath.Base(certDir) != expected {
				t.Errorf("Expected cert dir to end with %s, got %s", expected, certDir)
			}
		})
	}
}
