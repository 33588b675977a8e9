package wireguard

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyMaterial: свежая пара ключей клиента + PSK.
type KeyMaterial struct {
	PrivateKey   string `json:"private_key"`
	PublicKey    string `json:"public_key"`
	PresharedKey string `json:"preshared_key"`
}

func GenerateKeyMaterial() (*KeyMaterial, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate preshared key: %w", err)
	}
	return &KeyMaterial{
		PrivateKey:   priv.String(),
		PublicKey:    priv.PublicKey().String(),
		PresharedKey: psk.String(),
	}, nil
}

// PublicKeyOf выводит публичный ключ из приватного (base64).
func PublicKeyOf(privateKey string) (string, error) {
	k, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return "", err
	}
	return k.PublicKey().String(), nil
}
