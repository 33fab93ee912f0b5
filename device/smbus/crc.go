package smbus

import "fmt"

const (
	crcInit = 0x00
	READ    = 0x01
	WRITE   = 0x00
)

// crcTable is CRC-8 with polynomial x^8 + x^2 + x + 1.
var crcTable [256]uint8

func init() {
	for i := range crcTable {
		crcTable[i] = CalcCRC8([]byte{uint8(i)})
	}
}

// CalcPEC calculates the PEC per SMBUS protocol over the address byte and
// data.
func CalcPEC(addr uint8, rdwr uint8, data []byte) (uint8, error) {
	if rdwr > READ {
		return 0, fmt.Errorf("invalid rdwr value: %d", rdwr)
	}
	if addr > 0x7f {
		return 0, fmt.Errorf("invalid address value: %d", addr)
	}
	crc := crcTable[crcInit^(addr<<1|rdwr)]
	for _, b := range data {
		crc = crcTable[crc^b]
	}
	return crc, nil
}

// CalcCRC8 calculates the CRC8 on a byte array bit by bit. Use it to
// generate the lookup table.
func CalcCRC8(data []byte) uint8 {
	var crc uint8 = crcInit

	for _, b := range data {
		crc ^= b

		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}

// AppendPEC appends the PEC to a byte array
func AppendPEC(addr, rdwr uint8, data []byte) ([]byte, error) {
	pec, err := CalcPEC(addr, rdwr, data)
	if err != nil {
		return nil, err
	}
	return append(data, pec), nil
}

// CheckReadPEC checks the PEC of a read. The checksum covers the write of
// cmd, the repeated start with the read address and the data.
func CheckReadPEC(addr, cmd uint8, data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("data slice too small")
	}
	if addr > 0x7f {
		return fmt.Errorf("invalid address value: %d", addr)
	}
	msg := append([]byte{addr<<1 | WRITE, cmd, addr<<1 | READ}, data[:len(data)-1]...)
	pec := CalcCRC8(msg)
	if pec != data[len(data)-1] {
		return fmt.Errorf("PEC mismatch: %02x != %02x", pec, data[len(data)-1])
	}
	return nil
}
