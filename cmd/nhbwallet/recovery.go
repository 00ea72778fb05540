package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"nhbwallet/wallet"
)

// recoveryFlags selects how a command recovers the wallet. Exactly one
// source may be given; with none the configured secret key file is used.
type recoveryFlags struct {
	mnemonicFile string
	qrPath       string
	secretKey    string
}

func (r *recoveryFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.mnemonicFile, "mnemonic-file", "", "file holding the mnemonic phrase")
	fs.StringVar(&r.qrPath, "qr", "", "PIN protected QR code image")
	fs.StringVar(&r.secretKey, "secret-key", "", "file holding a bech32 extended secret key")
}

func (r *recoveryFlags) source(a *app) (wallet.Source, error) {
	set := 0
	for _, v := range []string{r.mnemonicFile, r.qrPath, r.secretKey} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set > 1 {
		return nil, errors.New("use only one of --mnemonic-file, --qr and --secret-key")
	}

	switch {
	case r.mnemonicFile != "":
		raw, err := os.ReadFile(r.mnemonicFile)
		if err != nil {
			return nil, fmt.Errorf("read mnemonic: %w", err)
		}
		password, err := a.password.Get()
		if err != nil {
			return nil, err
		}
		return wallet.Mnemonic{Phrase: string(raw), Password: []byte(password)}, nil
	case r.qrPath != "":
		pin, err := a.pin.Get()
		if err != nil {
			return nil, err
		}
		return wallet.QR{Path: r.qrPath, PIN: pin}, nil
	case r.secretKey != "":
		return wallet.SecretKey{Path: r.secretKey}, nil
	case a.cfg.Wallet.SecretKeyFile != "":
		return wallet.SecretKey{Path: a.cfg.Wallet.SecretKeyFile}, nil
	default:
		return nil, errors.New("no wallet given; use --mnemonic-file, --qr or --secret-key")
	}
}
