package grpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestJSONCodecRegistered(t *testing.T) {
	assert.NotNil(t, encoding.GetCodec(codecName))
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}

	in := CreateConvoRequest{
		Ciphersuite: "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519",
		GroupInfo:   []byte("group-info"),
		Members: []MemberInput{
			{Principal: "alice", Device: "d-1", KeyPackageHash: "hash-1"},
		},
	}

	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out CreateConvoRequest
	require.NoError(t, c.Unmarshal(data, &out))

	assert.Equal(t, in.GroupInfo, out.GroupInfo)
	assert.Equal(t, in.Members, out.Members)
}

func TestJSONCodecName(t *testing.T) {
	assert.Equal(t, "json", jsonCodec{}.Name())
}
