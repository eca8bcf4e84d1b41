package utils

import "github.com/jlarnal/Squeek/wire"

func RemoveAddrInPlace(slice *[]wire.Addr, value wire.Addr) {
	newLen := 0
	for _, v := range *slice {
		if v != value {
			(*slice)[newLen] = v
			newLen++
		}
	}
	*slice = (*slice)[:newLen]
}
