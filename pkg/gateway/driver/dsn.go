// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	sf "github.com/snowflakedb/gosnowflake"
	"github.com/youmark/pkcs8"

	"github.com/snowgate/snowgate/pkg/gateway"
)

func buildSnowflakeDSN(cfg Config) (string, error) {
	if cfg.Account == "" || cfg.User == "" {
		return "", fmt.Errorf("%w: snowflake backend requires account and user", gateway.ErrInvalidConfig)
	}

	sc := &sf.Config{
		Account:     cfg.Account,
		User:        cfg.User,
		Warehouse:   cfg.Warehouse,
		Database:    cfg.Database,
		Schema:      cfg.Schema,
		Role:        cfg.Role,
		Application: "snowgate",
	}
	if cfg.LoginTimeout > 0 {
		sc.LoginTimeout = cfg.LoginTimeout
	} else {
		sc.LoginTimeout = defaultLoginTimeout
	}

	switch cfg.Authenticator {
	case "", AuthPrivateKey:
		key, err := loadPrivateKey(cfg)
		if err != nil {
			return "", err
		}
		sc.Authenticator = sf.AuthTypeJwt
		sc.PrivateKey = key
	case AuthExternalBrowser:
		sc.Authenticator = sf.AuthTypeExternalBrowser
	default:
		return "", fmt.Errorf("%w: unsupported authenticator %q", gateway.ErrInvalidConfig, cfg.Authenticator)
	}

	dsn, err := sf.DSN(sc)
	if err != nil {
		return "", fmt.Errorf("%w: building dsn: %s", gateway.ErrInvalidConfig, err)
	}
	return dsn, nil
}

// loadPrivateKey reads the key-pair credential from inline PEM content
// or a file path, decrypting PKCS#8 material when a passphrase is set.
func loadPrivateKey(cfg Config) (*rsa.PrivateKey, error) {
	pemBytes := []byte(cfg.PrivateKey)
	if len(pemBytes) == 0 {
		if cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("%w: private-key auth requires key content or path", gateway.ErrInvalidConfig)
		}
		b, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading private key: %s", gateway.ErrInvalidConfig, err)
		}
		pemBytes = b
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", gateway.ErrInvalidConfig)
	}

	if cfg.PrivateKeyPassphrase != "" {
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, []byte(cfg.PrivateKeyPassphrase))
		if err != nil {
			return nil, fmt.Errorf("%w: decrypting private key: %s", gateway.ErrInvalidConfig, err)
		}
		return key, nil
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is not RSA", gateway.ErrInvalidConfig)
		}
		return rsaKey, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing private key: %s", gateway.ErrInvalidConfig, err)
	}
	return key, nil
}
