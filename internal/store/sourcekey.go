package store

import (
	"context"
	"encoding/hex"
	"net/netip"

	"github.com/charmbracelet/log"
)

// sourceKey encodes an address so that string order is address order within
// a family: "4" plus 8 hex digits, or "6" plus 32. Mapped IPv4 is stored as
// IPv4.
func sourceKey(addr netip.Addr) string {
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return "4" + hex.EncodeToString(b[:])
	}
	b := addr.As16()
	return "6" + hex.EncodeToString(b[:])
}

// sourceKeyOf returns "" for unparseable input, which no range matches.
func sourceKeyOf(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	return sourceKey(addr)
}

// prefixKeys returns the keys of the first and last address of p.
func prefixKeys(p netip.Prefix) (lo, hi string) {
	p = p.Masked()
	b := p.Addr().AsSlice()
	for i := p.Bits(); i < len(b)*8; i++ {
		b[i/8] |= 1 << (7 - i%8)
	}
	last, _ := netip.AddrFromSlice(b)
	return sourceKey(p.Addr()), sourceKey(last)
}

// backfillSourceKeys fills source_key on rows written before the column
// existed.
func (s *Store) backfillSourceKeys(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	var ips []string
	err := db.Model(&Record{}).
		Where("source_key IS NULL OR source_key = ''").
		Distinct("source_ip").
		Pluck("source_ip", &ips).Error
	if err != nil {
		return &StoreError{Op: "backfill source keys", Err: err}
	}

	filled := 0
	for _, ip := range ips {
		key := sourceKeyOf(ip)
		if key == "" {
			continue
		}
		err := db.Model(&Record{}).
			Where("source_ip = ? AND (source_key IS NULL OR source_key = '')", ip).
			Update("source_key", key).Error
		if err != nil {
			return &StoreError{Op: "backfill source keys", Err: err}
		}
		filled++
	}
	if filled > 0 {
		log.Info("Backfilled source keys", "addresses", filled)
	}
	return nil
}
