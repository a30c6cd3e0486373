package main

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
)

const staticKeyPEMType = "ZSSP P-384 STATIC PRIVATE KEY"

// loadOrGenerateKey loads an existing identity from disk, or mints a fresh
// one and persists it.
func loadOrGenerateKey(keyPath string, generate bool) (*ecdh.PrivateKey, error) {
	if _, err := os.Stat(keyPath); err == nil && !generate {
		raw, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		block, _ := pem.Decode(raw)
		if block == nil || block.Type != staticKeyPEMType {
			return nil, fmt.Errorf("%s: not a %s PEM block", keyPath, staticKeyPEMType)
		}
		return ecdh.P384().NewPrivateKey(block.Bytes)
	}

	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate static keypair: %w", err)
	}
	block := &pem.Block{Type: staticKeyPEMType, Bytes: priv.Bytes()}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return priv, nil
}
