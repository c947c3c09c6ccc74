package component

import (
	"math"

	"fieldlogger/measure"
)

// LogStep records a step change of a slowly varying value such as a valve
// position. When newValue differs from the committed mean of data by more
// than cutoff, or data holds no valid value yet, the previous mean is
// committed to step one millisecond before newValue is committed to data.
// p's data log is then emitted immediately and step is cleared again.
func LogStep(sh *Shared, p Peripheral, data, step *measure.Slot, newValue, cutoff float64) bool {
	_, valid := data.Newest()
	if valid && math.Abs(newValue-data.Mean()) <= cutoff {
		return false
	}
	now := sh.Now()
	if valid {
		step.SetNewestTime(now - 1)
		step.SetNewestValue(data.Mean())
		step.Save(false)
	}
	data.SetNewestValue(newValue)
	data.SetNewestTime(now)
	data.Save(false)

	sh.LogData(p)

	step.Clear(true)
	sh.MarkDataChanged()
	return true
}
