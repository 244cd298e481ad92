package khqr

import (
	"fmt"
	"strconv"
	"strings"
)

// Top-level EMVCo tags used by KHQR payloads.
const (
	TagPayloadFormat     = "00"
	TagPointOfInitiation = "01"
	TagIndividualAccount = "29"
	TagMerchantAccount   = "30"
	TagMCC               = "52"
	TagCurrency          = "53"
	TagAmount            = "54"
	TagCountry           = "58"
	TagMerchantName      = "59"
	TagCity              = "60"
	TagAdditionalData    = "62"
	TagCRC               = "63"
	TagTimestamp         = "99"
)

type tlvBuilder struct {
	sb strings.Builder
}

func (b *tlvBuilder) add(tag, value string) {
	fmt.Fprintf(&b.sb, "%s%02d%s", tag, len(value), value)
}

func (b *tlvBuilder) addOptional(tag, value string) {
	if value != "" {
		b.add(tag, value)
	}
}

func (b *tlvBuilder) Len() int { return b.sb.Len() }

func (b *tlvBuilder) String() string { return b.sb.String() }

// crc16 is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF).
func crc16(s string) uint16 {
	crc := uint16(0xFFFF)
	for i := 0; i < len(s); i++ {
		crc ^= uint16(s[i]) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Decode splits a payload into its top-level tags. It does not verify the CRC.
func Decode(qr string) (map[string]string, error) {
	out := make(map[string]string)
	for i := 0; i < len(qr); {
		if i+4 > len(qr) {
			return nil, fmt.Errorf("truncated tag at offset %d", i)
		}
		tag := qr[i : i+2]
		n, err := strconv.Atoi(qr[i+2 : i+4])
		if err != nil {
			return nil, fmt.Errorf("bad length for tag %s: %w", tag, err)
		}
		if i+4+n > len(qr) {
			return nil, fmt.Errorf("value of tag %s overruns payload", tag)
		}
		out[tag] = qr[i+4 : i+4+n]
		i += 4 + n
	}
	return out, nil
}

// VerifyCRC reports whether the trailing CRC of qr matches its content.
func VerifyCRC(qr string) bool {
	if len(qr) < 8 || qr[len(qr)-8:len(qr)-4] != TagCRC+"04" {
		return false
	}
	return fmt.Sprintf("%04X", crc16(qr[:len(qr)-4])) == qr[len(qr)-4:]
}
