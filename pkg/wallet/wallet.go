package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"

	"github.com/shadoworders/keeper/pkg/secretstore"
)

const DefaultDerivationPath = "m/44'/60'/0'/0/0"

var ErrNoIdentity = errors.New("keeper identity is not configured (private key, mnemonic or secret store)")

// Source keeper 身份来源，按 PrivateKey > Mnemonic > SecretStore 的顺序取第一个可用的
type Source struct {
	PrivateKey      string
	Mnemonic        string
	DerivationPath  string
	SecretStorePath string
	SecretStoreKey  string
}

// Key keeper 签名身份
type Key struct {
	Private *ecdsa.PrivateKey
	Address common.Address
	Origin  string // "private_key" | "mnemonic" | "secret_store"
}

func Load(src Source) (*Key, error) {
	switch {
	case strings.TrimSpace(src.PrivateKey) != "":
		return fromHex(src.PrivateKey, "private_key")
	case strings.TrimSpace(src.Mnemonic) != "":
		return FromMnemonic(src.Mnemonic, src.DerivationPath)
	case strings.TrimSpace(src.SecretStorePath) != "":
		return fromSecretStore(src)
	}
	return nil, ErrNoIdentity
}

func fromHex(raw, origin string) (*Key, error) {
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Key{Private: pk, Address: crypto.PubkeyToAddress(pk.PublicKey), Origin: origin}, nil
}

// FromMnemonic BIP-44 派生
func FromMnemonic(mnemonic, derivationPath string) (*Key, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	derivationPath = strings.TrimSpace(derivationPath)
	if derivationPath == "" {
		derivationPath = DefaultDerivationPath
	}
	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("invalid derivation_path: %w", err)
	}
	acct, err := w.Derive(path, false)
	if err != nil {
		return nil, fmt.Errorf("derive failed: %w", err)
	}
	pk, err := w.PrivateKey(acct)
	if err != nil {
		return nil, fmt.Errorf("private key failed: %w", err)
	}
	return &Key{Private: pk, Address: acct.Address, Origin: "mnemonic"}, nil
}

func fromSecretStore(src Source) (*Key, error) {
	encKey, err := secretstore.ParseKey(src.SecretStoreKey)
	if err != nil {
		return nil, fmt.Errorf("secret store key: %w", err)
	}
	if encKey == nil {
		return nil, errors.New("secret store key is required when secret_store_path is set")
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{Path: src.SecretStorePath, EncryptionKey: encKey})
	if err != nil {
		return nil, err
	}
	defer ss.Close()

	if v, ok, err := ss.GetString(secretstore.KeyPrivateKey); err != nil {
		return nil, err
	} else if ok && v != "" {
		return fromHex(v, "secret_store")
	}
	mn, ok, err := ss.GetString(secretstore.KeyMnemonic)
	if err != nil {
		return nil, err
	}
	if !ok || mn == "" {
		return nil, fmt.Errorf("secret store %s has no keeper key", src.SecretStorePath)
	}
	path := src.DerivationPath
	if p, ok, _ := ss.GetString(secretstore.KeyDerivationPath); ok && p != "" {
		path = p
	}
	k, err := FromMnemonic(mn, path)
	if err != nil {
		return nil, err
	}
	k.Origin = "secret_store"
	return k, nil
}
