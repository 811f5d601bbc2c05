package ledger

// FreeQuota is how many previews a user gets before the balance is touched.
const FreeQuota = 3

// shortTierMaxSec splits durations into the two pricing tiers. Anything
// below it is billed as a short clip, anything at or above as a long one.
const shortTierMaxSec = 6.0

// Price maps (duration, sound) to the preview cost in credits.
// Тарифы:
//
//	короткий без звука = 55, со звуком = 75
//	длинный без звука = 110, со звуком = 150
//
// Pure function: no I/O, no randomness.
func Price(durationSec float64, sound bool) int {
	if durationSec < shortTierMaxSec {
		if sound {
			return 75
		}
		return 55
	}
	if sound {
		return 150
	}
	return 110
}

// BoostPrice is the fixed schedule for the premium regenerate path. It is
// its own table rather than a multiplier so the tiers can drift apart.
func BoostPrice(durationSec float64, sound bool) int {
	if durationSec < shortTierMaxSec {
		if sound {
			return 150
		}
		return 110
	}
	if sound {
		return 300
	}
	return 220
}
