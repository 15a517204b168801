package nfe

import (
	"time"

	"github.com/rorycl/BlingNFeTokenServer/bling"
)

// FallbackNumber is used when the listing holds no numbered invoices
const FallbackNumber int64 = 500

// timestampNumberBase is added to the last three digits of the clock
// when the listing could not be fetched
const timestampNumberBase int64 = 200

// NextNumber picks the number for a new invoice: one more than the
// largest number in list. lookupErr is the error from fetching list;
// if set, a number is derived from now instead so that creation can
// still go ahead.
func NextNumber(list *bling.NFeList, lookupErr error, now time.Time) int64 {
	if lookupErr != nil {
		return timestampNumberBase + now.UnixMilli()%1000
	}
	if list == nil {
		return FallbackNumber
	}
	var (
		highest int64
		found   bool
	)
	for _, n := range list.Data {
		if n.Numero.Invalid {
			continue
		}
		if !found || n.Numero.Value > highest {
			highest = n.Numero.Value
			found = true
		}
	}
	if !found {
		return FallbackNumber
	}
	return highest + 1
}
