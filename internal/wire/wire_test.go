package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeMarshalUnmarshalRoundTrip(t *testing.T) {
	otk := uint32(42)
	e := &Envelope{
		Header:     Header{DH: make([]byte, 32), PN: 0, N: 0},
		Ciphertext: []byte("ciphertext bytes"),
		X3DH: &X3DHBlock{
			SenderIdentityKey:  make([]byte, 32),
			SenderEphemeralKey: make([]byte, 32),
			UsedSignedPrekeyID: 1,
			UsedOneTimePrekeyID: &otk,
		},
	}

	b, err := Marshal(e)
	require.NoError(t, err)

	decoded, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, e.Ciphertext, decoded.Ciphertext)
	require.Equal(t, e.Header.DH, decoded.Header.DH)
	require.NotNil(t, decoded.X3DH)
	require.Equal(t, *e.X3DH.UsedOneTimePrekeyID, *decoded.X3DH.UsedOneTimePrekeyID)
}

func TestEnvelopeWithoutOneTimePrekeyOmitsField(t *testing.T) {
	e := &Envelope{
		Header:     Header{DH: make([]byte, 32)},
		Ciphertext: []byte("ct"),
		X3DH: &X3DHBlock{
			SenderIdentityKey:  make([]byte, 32),
			SenderEphemeralKey: make([]byte, 32),
			UsedSignedPrekeyID: 1,
		},
	}

	b, err := Marshal(e)
	require.NoError(t, err)
	require.NotContains(t, string(b), "usedOneTimePrekeyId")
}

func TestValidateShapeRejectsMissingCiphertext(t *testing.T) {
	e := &Envelope{Header: Header{DH: make([]byte, 32)}}
	require.Error(t, ValidateShape(e))
}

func TestValidateShapeIgnoresCiphertextContents(t *testing.T) {
	e1 := &Envelope{Header: Header{DH: make([]byte, 32)}, Ciphertext: []byte("real ciphertext")}
	e2 := &Envelope{Header: Header{DH: make([]byte, 32)}, Ciphertext: []byte("random garbage!")}

	require.NoError(t, ValidateShape(e1))
	require.NoError(t, ValidateShape(e2))
}

func TestValidateShapeRejectsMalformedHeader(t *testing.T) {
	e := &Envelope{Header: Header{DH: make([]byte, 10)}, Ciphertext: []byte("ct")}
	require.Error(t, ValidateShape(e))
}
