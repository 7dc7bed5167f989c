package state

import "errors"

// Rejection kinds. Every one aborts the whole command with no effects.
var (
	ErrAuthorization              = errors.New("not authorized")
	ErrUnknownProduct             = errors.New("unknown product")
	ErrMarginOutOfBounds          = errors.New("margin out of bounds")
	ErrExposureExceeded           = errors.New("exposure exceeded")
	ErrStalePriceChange           = errors.New("price change below minimum")
	ErrVaultCapExceeded           = errors.New("vault cap exceeded")
	ErrCooldownNotElapsed         = errors.New("cooldown not elapsed")
	ErrInsufficientVaultLiquidity = errors.New("insufficient vault liquidity")
	ErrPositionNotLiquidatable    = errors.New("position not liquidatable")
	ErrPositionNotFound           = errors.New("position not found")
	ErrPriceUnavailable           = errors.New("oracle price unavailable")
	ErrInvalidArgument            = errors.New("invalid argument")
	ErrClockRegression            = errors.New("command timestamp before last accepted command")
)
