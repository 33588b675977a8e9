package validate

import (
	"errors"
	"math/big"
	"net/netip"
)

var ErrAddressSpaceExhausted = errors.New("peer id does not fit into the server address space")

// TunnelAddress выводит адрес пира в туннеле: сеть сервера + peerID как смещение хоста
// (для /24 это последний октет). Возвращает хостовый префикс /32 или /128.
//
// Для IPv4 адрес сети и broadcast исключены (кроме /31 и /32); для IPv6 исключён только адрес сети.
// Выход за пределы пула - ошибка, никакого заворачивания по модулю.
func TunnelAddress(serverAddress string, peerID uint) (netip.Prefix, error) {
	pfx, err := ParseCIDR(serverAddress)
	if err != nil {
		return netip.Prefix{}, err
	}
	base := pfx.Masked().Addr()
	hostBits := base.BitLen() - pfx.Bits()

	offset := new(big.Int).SetUint64(uint64(peerID))
	size := new(big.Int).Lsh(big.NewInt(1), uint(hostBits)) // количество адресов в сети

	lo, hi := big.NewInt(1), new(big.Int).Sub(size, big.NewInt(1))
	switch {
	case base.Is4() && hostBits >= 2:
		hi.Sub(hi, big.NewInt(1)) // broadcast
	case base.Is4():
		lo.SetInt64(0)
	case hostBits == 0:
		lo.SetInt64(0)
	}
	if offset.Cmp(lo) < 0 || offset.Cmp(hi) > 0 {
		return netip.Prefix{}, ErrAddressSpaceExhausted
	}

	sum := new(big.Int).Add(new(big.Int).SetBytes(base.AsSlice()), offset)
	buf := make([]byte, base.BitLen()/8)
	sum.FillBytes(buf)
	addr, _ := netip.AddrFromSlice(buf)
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
