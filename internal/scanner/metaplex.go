package scanner

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	solanago "github.com/gagliardetto/solana-go"

	"github.com/nexus-trading/discovery/internal/solana"
)

// ---------------------------------------------------------------------------
// Metaplex token metadata account
// ---------------------------------------------------------------------------

var errShortMetadata = errors.New("metaplex: account data truncated")

var metadataProgram = solanago.MustPublicKeyFromBase58(string(solana.MetadataProgramID))

// MetadataPDA derives the Metaplex metadata account of mint:
// seeds ["metadata", program, mint] under the metadata program.
func MetadataPDA(mint solana.Pubkey) (solana.Pubkey, error) {
	key, err := solanago.PublicKeyFromBase58(string(mint))
	if err != nil {
		return "", fmt.Errorf("metaplex: invalid mint %s: %w", mint, err)
	}
	seeds := [][]byte{
		[]byte("metadata"),
		metadataProgram.Bytes(),
		key.Bytes(),
	}
	pda, _, err := solanago.FindProgramAddress(seeds, metadataProgram)
	if err != nil {
		return "", fmt.Errorf("metaplex: derive metadata address: %w", err)
	}
	return solana.Pubkey(pda.String()), nil
}

// metaplexMetadata is the prefix of a Metadata account we care about.
type metaplexMetadata struct {
	UpdateAuthority solana.Pubkey
	Mint            solana.Pubkey
	Name            string
	Symbol          string
	URI             string
	SellerFeeBps    uint16
	Creators        []metaplexCreator
	PrimarySale     bool
	IsMutable       bool
}

type metaplexCreator struct {
	Address  solana.Pubkey
	Verified bool
	Share    uint8
}

// verified reports whether any creator signed the metadata.
func (m metaplexMetadata) verified() bool {
	for _, c := range m.Creators {
		if c.Verified {
			return true
		}
	}
	return false
}

// borshReader walks borsh-encoded account data.
type borshReader struct {
	data []byte
	off  int
}

func (r *borshReader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, errShortMetadata
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *borshReader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *borshReader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *borshReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *borshReader) pubkey() (solana.Pubkey, error) {
	b, err := r.take(32)
	if err != nil {
		return "", err
	}
	return solana.Pubkey(solanago.PublicKeyFromBytes(b).String()), nil
}

// str reads a length-prefixed string. Metaplex pads fields with NULs.
func (r *borshReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00")), nil
}

func (r *borshReader) boolean() (bool, error) {
	b, err := r.u8()
	return b != 0, err
}

// decodeMetaplex decodes the fixed prefix of a Metadata v1 account.
func decodeMetaplex(data []byte) (*metaplexMetadata, error) {
	r := &borshReader{data: data}
	var (
		m   metaplexMetadata
		err error
	)
	if _, err = r.u8(); err != nil { // account key
		return nil, err
	}
	if m.UpdateAuthority, err = r.pubkey(); err != nil {
		return nil, err
	}
	if m.Mint, err = r.pubkey(); err != nil {
		return nil, err
	}
	if m.Name, err = r.str(); err != nil {
		return nil, err
	}
	if m.Symbol, err = r.str(); err != nil {
		return nil, err
	}
	if m.URI, err = r.str(); err != nil {
		return nil, err
	}
	if m.SellerFeeBps, err = r.u16(); err != nil {
		return nil, err
	}

	hasCreators, err := r.boolean()
	if err != nil {
		return nil, err
	}
	if hasCreators {
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		if n > 5 {
			return nil, fmt.Errorf("metaplex: %d creators exceeds maximum of 5", n)
		}
		for i := uint32(0); i < n; i++ {
			var c metaplexCreator
			if c.Address, err = r.pubkey(); err != nil {
				return nil, err
			}
			if c.Verified, err = r.boolean(); err != nil {
				return nil, err
			}
			if c.Share, err = r.u8(); err != nil {
				return nil, err
			}
			m.Creators = append(m.Creators, c)
		}
	}

	if m.PrimarySale, err = r.boolean(); err != nil {
		return nil, err
	}
	if m.IsMutable, err = r.boolean(); err != nil {
		return nil, err
	}
	return &m, nil
}
