package object

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelscm/keel/modules/plumbing"
)

var basicCommit = strings.Join([]string{
	"tree 2ad9226a83ce6d2790638b523ccd7af96ee49f5e",
	"author Keel Developer <dev@keelscm.io> 1700000000 +0800",
	"committer Keel Developer <dev@keelscm.io> 1700000100 +0000",
	"",
	"Initial import",
	"",
}, "\n")

var signedCommit = strings.Join([]string{
	"tree 2ad9226a83ce6d2790638b523ccd7af96ee49f5e",
	"parent a256f2c5ec7722ddb96b47e460d23e1c76b91f05",
	"parent 4b825dc642cb6eb9a060e54bf8d69288fbee4904",
	"author Keel Developer <dev@keelscm.io> 1700003600 +0800",
	"committer Release Bot <bot@keelscm.io> 1700003700 +0000",
	"gpgsig -----BEGIN PGP SIGNATURE-----",
	" ",
	" iQEzBAABCAAdFiEEy2qCsjYVWMUn6zb+gZJVZntZtJgFAmVUtI0ACgkQgZJVZntZ",
	" tJhWJAf-demo-not-a-real-signature-payload-0123456789abcdefghijk",
	" =AbCd",
	" -----END PGP SIGNATURE-----",
	"",
	"Merge release train",
	"",
	"Signed-off-by: Keel Developer <dev@keelscm.io>",
	"",
}, "\n")

var wantSignature = strings.Join([]string{
	"-----BEGIN PGP SIGNATURE-----",
	"",
	"iQEzBAABCAAdFiEEy2qCsjYVWMUn6zb+gZJVZntZtJgFAmVUtI0ACgkQgZJVZntZ",
	"tJhWJAf-demo-not-a-real-signature-payload-0123456789abcdefghijk",
	"=AbCd",
	"-----END PGP SIGNATURE-----",
}, "\n")

func decodeCommit(t *testing.T, raw string) *Commit {
	t.Helper()
	oid := plumbing.HashObject(plumbing.CommitObject, []byte(raw))
	c := &Commit{}
	require.NoError(t, c.Decode(NewReader(strings.NewReader(raw), oid, plumbing.CommitObject)))
	return c
}

func TestCommitDecode(t *testing.T) {
	c := decodeCommit(t, basicCommit)
	assert.Equal(t, "2ad9226a83ce6d2790638b523ccd7af96ee49f5e", c.Tree.String())
	assert.Len(t, c.Parents, 0)
	assert.Equal(t, "Keel Developer", c.Author.Name)
	assert.Equal(t, "dev@keelscm.io", c.Author.Email)
	assert.Equal(t, int64(1700000000), c.Author.When.Unix())
	assert.Equal(t, "+0800", c.Author.When.Format("-0700"))
	assert.Equal(t, int64(1700000100), c.Committer.When.Unix())
	assert.Equal(t, "Initial import\n", c.Message)
	assert.Equal(t, "Initial import", c.Subject())
	assert.Empty(t, c.GPGSignature())
}

func TestCommitDecodeSigned(t *testing.T) {
	c := decodeCommit(t, signedCommit)
	require.Len(t, c.Parents, 2)
	assert.Equal(t, "a256f2c5ec7722ddb96b47e460d23e1c76b91f05", c.Parents[0].String())
	assert.Equal(t, "4b825dc642cb6eb9a060e54bf8d69288fbee4904", c.Parents[1].String())
	assert.Equal(t, "Release Bot", c.Committer.Name)
	assert.Equal(t, wantSignature, c.GPGSignature())
	assert.Equal(t, "Merge release train\n\nSigned-off-by: Keel Developer <dev@keelscm.io>\n", c.Message)
	assert.Equal(t, "Merge release train", c.Subject())
}

func TestCommitEncodeRoundTrip(t *testing.T) {
	for raw, oid := range map[string]string{
		basicCommit:  "a256f2c5ec7722ddb96b47e460d23e1c76b91f05",
		signedCommit: "6e343f3b87358bf14420e0a9cd646eaf546052aa",
	} {
		c := decodeCommit(t, raw)
		var buf bytes.Buffer
		require.NoError(t, c.Encode(&buf))
		require.Equal(t, raw, buf.String())
		require.Equal(t, oid, plumbing.HashObject(plumbing.CommitObject, buf.Bytes()).String())
	}
}

func TestCommitDecodeWrongType(t *testing.T) {
	c := &Commit{}
	err := c.Decode(NewReader(strings.NewReader(basicCommit), plumbing.ZeroHash, plumbing.BlobObject))
	require.ErrorIs(t, err, ErrUnsupportedObject)
}

func TestCommitDecodeBadHash(t *testing.T) {
	raw := "tree zzzz226a83ce6d2790638b523ccd7af96ee49f5e\n\nbroken\n"
	c := &Commit{}
	err := c.Decode(NewReader(strings.NewReader(raw), plumbing.ZeroHash, plumbing.CommitObject))
	require.Error(t, err)
}

func TestDecodeAs(t *testing.T) {
	oid := plumbing.HashObject(plumbing.CommitObject, []byte(basicCommit))
	c, err := DecodeAs[Commit]([]byte(basicCommit), oid, plumbing.CommitObject)
	require.NoError(t, err)
	assert.Equal(t, oid, c.Hash)

	_, err = DecodeAs[Tag]([]byte(basicCommit), oid, plumbing.CommitObject)
	require.ErrorIs(t, err, ErrUnsupportedObject)
}

func TestSignatureDecode(t *testing.T) {
	var s Signature
	s.Decode([]byte("Keel Developer <dev@keelscm.io> 1700000000 +0800"))
	assert.Equal(t, "Keel Developer", s.Name)
	assert.Equal(t, "dev@keelscm.io", s.Email)
	assert.Equal(t, int64(1700000000), s.When.Unix())

	var noTime Signature
	noTime.Decode([]byte("Keel Developer <dev@keelscm.io>"))
	assert.Equal(t, "Keel Developer", noTime.Name)
	assert.True(t, noTime.When.IsZero())

	var spaced Signature
	spaced.Decode([]byte("Name With Many Words <x@y.z> 1700000000 -0230"))
	assert.Equal(t, "Name With Many Words", spaced.Name)
	assert.Equal(t, "-0230", spaced.When.Format("-0700"))

	var broken Signature
	broken.Decode([]byte("no brackets here"))
	assert.Empty(t, broken.Name)
	assert.Empty(t, broken.Email)
}

func TestSignatureString(t *testing.T) {
	s := Signature{
		Name:  "Taylor Blau",
		Email: "ttaylorr@github.com",
		When:  time.Unix(1494258422, 0).In(time.FixedZone("", -6*60*60)),
	}
	assert.Equal(t, "Taylor Blau <ttaylorr@github.com> 1494258422 -0600", s.String())

	var reparsed Signature
	reparsed.Decode([]byte(s.String()))
	assert.Equal(t, s.String(), reparsed.String())
}
