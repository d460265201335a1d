package cache

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Separator joins the namespace, version, and caller key into a composed key.
// It is not expected to occur inside any of the three components.
const Separator = "::"

// Key composes the lookup key used by both cache tiers from a namespace, a
// version tag, and a caller-supplied key. The same triple always produces the
// same composed key.
func Key(namespace, version, key string) string {
	return namespace + Separator + version + Separator + key
}

// SplitKey decomposes a composed key back into its namespace, version, and
// caller key. The caller key may itself contain the separator; only the first
// two occurrences split.
func SplitKey(composed string) (namespace, version, key string, err error) {
	parts := strings.SplitN(composed, Separator, 3)
	if len(parts) != 3 {
		return "", "", "", errors.Newf("cache: malformed composed key %q", composed)
	}
	return parts[0], parts[1], parts[2], nil
}

// ArgsKey derives a deterministic cache key for invoking a named tool with the
// given arguments. Arguments are encoded as canonical msgpack (map keys
// sorted) and hashed with xxhash64, so the same tool and arguments always map
// to the same key regardless of map iteration order. Use the result as the
// caller key in a (namespace, version, key) triple.
func ArgsKey(tool string, args any) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(args); err != nil {
		return "", errors.Wrapf(err, "cache: encode arguments for %q", tool)
	}
	return tool + ":" + strconv.FormatUint(xxhash.Sum64(buf.Bytes()), 16), nil
}
