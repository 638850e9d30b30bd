package guardian

import (
	"context"
	"slices"
	"strings"

	"github.com/lazypower/heirloom/internal/config"
)

// Settings keys recording which guardian records this device drives.
const (
	KeyOwnCode   = "guardian.code"
	KeyFollowing = "guardian.following"
)

// OwnCode returns the code of the record this device's owner registered.
func OwnCode(ctx context.Context, kv config.KV) (string, bool, error) {
	return kv.GetSetting(ctx, KeyOwnCode)
}

// SetOwnCode remembers the owner's registered code.
func SetOwnCode(ctx context.Context, kv config.KV, code string) error {
	return kv.SetSetting(ctx, KeyOwnCode, code)
}

// Following lists the codes of other owners' records this device follows.
func Following(ctx context.Context, kv config.KV) ([]string, error) {
	v, ok, err := kv.GetSetting(ctx, KeyFollowing)
	if err != nil || !ok || v == "" {
		return nil, err
	}
	return strings.Split(v, ","), nil
}

// Follow adds code to the followed set.
func Follow(ctx context.Context, kv config.KV, code string) error {
	codes, err := Following(ctx, kv)
	if err != nil {
		return err
	}
	if slices.Contains(codes, code) {
		return nil
	}
	codes = append(codes, code)
	slices.Sort(codes)
	return kv.SetSetting(ctx, KeyFollowing, strings.Join(codes, ","))
}
