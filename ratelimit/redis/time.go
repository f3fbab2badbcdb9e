package redis

import "time"

func nowUnixSeconds() float64 {
	return float64(time.Now().UTC().UnixNano()) / float64(time.Second)
}
