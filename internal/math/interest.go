package math

// ComputeInterest returns the linear borrow interest owed on a position:
//
//	margin * leverage * interestBps * elapsed / (1e8 * 1e4 * secondsPerYear)
//
// margin and leverage are 1e8-scaled, interestBps is an annual rate.
func ComputeInterest(margin, leverage, interestBps, elapsedSeconds int64) (int64, error) {
	if interestBps == 0 || elapsedSeconds <= 0 {
		return 0, nil
	}
	return Ratio(
		[]int64{margin, leverage, interestBps, elapsedSeconds},
		[]int64{Scale, BpsDenominator, SecondsPerYear},
		RoundDown,
	)
}

// InterestAccrual is the interest owed by one position at a point in time.
type InterestAccrual struct {
	Margin         int64
	Leverage       int64
	InterestBps    int64
	ElapsedSeconds int64
	Amount         int64
}

// AccrueInterest computes the accrual and records its inputs.
func AccrueInterest(margin, leverage, interestBps, elapsedSeconds int64) (InterestAccrual, error) {
	amount, err := ComputeInterest(margin, leverage, interestBps, elapsedSeconds)
	if err != nil {
		return InterestAccrual{}, err
	}
	return InterestAccrual{
		Margin:         margin,
		Leverage:       leverage,
		InterestBps:    interestBps,
		ElapsedSeconds: elapsedSeconds,
		Amount:         amount,
	}, nil
}
