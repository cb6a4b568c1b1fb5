package object

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelscm/keel/modules/plumbing"
)

var releaseTag = strings.Join([]string{
	"object a256f2c5ec7722ddb96b47e460d23e1c76b91f05",
	"type commit",
	"tag v1.0.0",
	"tagger Release Bot <bot@keelscm.io> 1700007200 +0000",
	"",
	"keel 1.0.0",
	"",
}, "\n")

func TestTagDecode(t *testing.T) {
	oid := plumbing.HashObject(plumbing.TagObject, []byte(releaseTag))
	require.Equal(t, "4fbae5925c82d52262147bf368af8df9daf9af66", oid.String())

	tag := &Tag{}
	require.NoError(t, tag.Decode(NewReader(strings.NewReader(releaseTag), oid, plumbing.TagObject)))
	assert.Equal(t, oid, tag.Hash)
	assert.Equal(t, "a256f2c5ec7722ddb96b47e460d23e1c76b91f05", tag.Object.String())
	assert.Equal(t, plumbing.CommitObject, tag.ObjectType)
	assert.Equal(t, "v1.0.0", tag.Name)
	assert.Equal(t, "Release Bot", tag.Tagger.Name)
	assert.Equal(t, int64(1700007200), tag.Tagger.When.Unix())
	assert.Equal(t, "keel 1.0.0\n", tag.Message())
}

func TestTagEncodeRoundTrip(t *testing.T) {
	oid := plumbing.HashObject(plumbing.TagObject, []byte(releaseTag))
	tag := &Tag{}
	require.NoError(t, tag.Decode(NewReader(strings.NewReader(releaseTag), oid, plumbing.TagObject)))

	var buf bytes.Buffer
	require.NoError(t, tag.Encode(&buf))
	require.Equal(t, releaseTag, buf.String())
	require.Equal(t, oid, plumbing.HashObject(plumbing.TagObject, buf.Bytes()))
}

func TestTagExtract(t *testing.T) {
	signed := &Tag{Content: "tagged release\n\n-----BEGIN PGP SIGNATURE-----\nnot-a-real-one\n-----END PGP SIGNATURE-----\n"}
	message, signature := signed.Extract()
	assert.Equal(t, "tagged release\n\n", message)
	assert.True(t, strings.HasPrefix(signature, "-----BEGIN PGP SIGNATURE-----"))

	plain := &Tag{Content: "tagged release\n"}
	message, signature = plain.Extract()
	assert.Equal(t, "tagged release\n", message)
	assert.Empty(t, signature)
}

func TestTagDecodeUnknownHeader(t *testing.T) {
	raw := strings.Join([]string{
		"object a256f2c5ec7722ddb96b47e460d23e1c76b91f05",
		"flavor strawberry",
		"",
		"nope",
		"",
	}, "\n")
	tag := &Tag{}
	err := tag.Decode(NewReader(strings.NewReader(raw), plumbing.ZeroHash, plumbing.TagObject))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tag header")
}

func TestTagDecodeBadObject(t *testing.T) {
	raw := "object not-a-hash\ntype commit\n\nx\n"
	tag := &Tag{}
	require.Error(t, tag.Decode(NewReader(strings.NewReader(raw), plumbing.ZeroHash, plumbing.TagObject)))
}

func TestTagDecodeWrongType(t *testing.T) {
	tag := &Tag{}
	err := tag.Decode(NewReader(strings.NewReader(releaseTag), plumbing.ZeroHash, plumbing.CommitObject))
	require.ErrorIs(t, err, ErrUnsupportedObject)
}
