// Package validate проверяет ключи, CIDR-адреса и эндпоинты до того,
// как они попадут в реестр. Все функции чистые: никаких DNS-запросов и сокетов.
package validate

import (
	"encoding/base64"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var (
	ErrRequired              = errors.New("value is required")
	ErrInvalidKeyEncoding    = errors.New("key is not valid base64")
	ErrInvalidKeyLength      = errors.New("key must be 44 base64 characters decoding to 32 bytes")
	ErrInvalidAddressSyntax  = errors.New("address must be <ip>/<prefix>")
	ErrAddressOutOfRange     = errors.New("prefix length out of range for address family")
	ErrInvalidEndpointSyntax = errors.New("endpoint must be <host>:<port>")
	ErrInvalidPort           = errors.New("port must be in range 1-65535")
)

// Key проверяет base64-представление 32-байтового ключа WireGuard.
// Ключ без паддинга (43 символа) считается ключом неверной длины, а не неверной кодировкой.
func Key(s string) error {
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return ErrInvalidKeyEncoding
	}
	if len(raw) != wgtypes.KeyLen || len(s) != base64.StdEncoding.EncodedLen(wgtypes.KeyLen) {
		return ErrInvalidKeyLength
	}
	return nil
}

// ParseKey: Key + разбор в wgtypes.Key.
func ParseKey(s string) (wgtypes.Key, error) {
	if err := Key(s); err != nil {
		return wgtypes.Key{}, err
	}
	return wgtypes.ParseKey(s)
}

// CIDR проверяет строку вида "10.0.0.1/24" или "fd00::1/64".
// Адрес хоста внутри префикса допустим (это адрес интерфейса, а не сеть).
func CIDR(s string) error {
	_, err := ParseCIDR(s)
	return err
}

// ParseCIDR разбирает CIDR, сохраняя адрес хоста (в отличие от net.ParseCIDR).
func ParseCIDR(s string) (netip.Prefix, error) {
	host, bits, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || host == "" || bits == "" {
		return netip.Prefix{}, ErrInvalidAddressSyntax
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || ip.Zone() != "" {
		return netip.Prefix{}, ErrInvalidAddressSyntax
	}
	digits := strings.TrimPrefix(bits, "-")
	if !allDigits(digits) {
		return netip.Prefix{}, ErrInvalidAddressSyntax
	}
	n, err := strconv.Atoi(bits)
	if err != nil || n < 0 || n > ip.BitLen() {
		return netip.Prefix{}, ErrAddressOutOfRange
	}
	return netip.PrefixFrom(ip, n), nil
}

// Endpoint проверяет "host:port"; host - IP-литерал или DNS-имя.
func Endpoint(s string) error {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil || host == "" || port == "" {
		return ErrInvalidEndpointSyntax
	}
	if _, err := netip.ParseAddr(host); err != nil && !isDNSName(host) {
		return ErrInvalidEndpointSyntax
	}
	if !allDigits(port) {
		return ErrInvalidEndpointSyntax
	}
	n, err := strconv.ParseUint(port, 10, 64)
	if err != nil || n < 1 || n > 65535 {
		return ErrInvalidPort
	}
	return nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isDNSName: синтаксическая проверка по RFC 1123 (с допуском '_' и завершающей точки).
func isDNSName(s string) bool {
	s = strings.TrimSuffix(s, ".")
	if s == "" || len(s) > 253 {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			default:
				return false
			}
		}
	}
	return true
}
