package reward

import "errors"

var (
	ErrRewardPeriodNotFinished = errors.New("reward period not finished")
	ErrRewardAmountOutOfBounds = errors.New("reward amount out of bounds")
	ErrUnknownPool             = errors.New("unknown reward pool")
	ErrPoolExists              = errors.New("reward pool already exists")
	ErrInsufficientStake       = errors.New("insufficient token stake")
	ErrInvalidAmount           = errors.New("invalid reward amount")
)
