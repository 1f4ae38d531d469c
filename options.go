package tilestream

import "log/slog"

// Defaults applied by NewResidencyManager.
const (
	DefaultPoolSlots   = 1024
	DefaultMaxInFlight = 64
	DefaultErrorBuffer = 64
)

// Option configures a ResidencyManager during construction.
type Option func(*ResidencyManager)

// WithPoolSlots sets the number of pool slots of every managed texture. The
// count includes the slots taken by protected packed-tail tiles.
func WithPoolSlots(n int) Option {
	return func(m *ResidencyManager) { m.poolSlots = n }
}

// WithMaxInFlight caps the number of tile reads outstanding at once across
// all textures. Wanted tiles beyond the cap stay queued.
func WithMaxInFlight(n int) Option {
	return func(m *ResidencyManager) { m.maxInFlight = n }
}

// WithHostCacheTiles enables a host-memory cache of up to n recently
// admitted tile payloads. Zero disables it.
func WithHostCacheTiles(n int) Option {
	return func(m *ResidencyManager) { m.hostTiles = n }
}

// WithErrorBuffer sets the capacity of the channel returned by Errors.
func WithErrorBuffer(n int) Option {
	return func(m *ResidencyManager) { m.errBuffer = n }
}

// WithLogger sets the manager's logger. Without it the package logger from
// Logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(m *ResidencyManager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithDebugMode starts the manager with debug mode enabled.
func WithDebugMode(on bool) Option {
	return func(m *ResidencyManager) { m.debug.Store(on) }
}

// WithBorderMode starts the manager with border mode enabled.
func WithBorderMode(on bool) Option {
	return func(m *ResidencyManager) { m.border.Store(on) }
}

// WithBorderWidth sets the border painted in border mode, in texels.
func WithBorderWidth(w uint32) Option {
	return func(m *ResidencyManager) { m.borderWidth = w }
}
