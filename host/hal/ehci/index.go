package ehci

// Endpoint index geometry.
const hashSize = 64

// endpointKey combines a function address and endpoint address.
func endpointKey(address, endpoint uint8) uint32 {
	return uint32(endpoint)<<8 | uint32(address&0x7f)
}

func hashKey(key uint32) int {
	return int((key ^ key>>5) % hashSize)
}

// endpointIndex maps endpoint keys to open endpoint records through fixed
// hash chains.
type endpointIndex struct {
	buckets [hashSize]*endpoint
	count   int
}

func (x *endpointIndex) find(key uint32) *endpoint {
	for e := x.buckets[hashKey(key)]; e != nil; e = e.chain {
		if e.key == key {
			return e
		}
	}
	return nil
}

// insert adds e and reports false if its key is already present.
func (x *endpointIndex) insert(e *endpoint) bool {
	if x.find(e.key) != nil {
		return false
	}
	b := hashKey(e.key)
	e.chain = x.buckets[b]
	x.buckets[b] = e
	x.count++
	return true
}

func (x *endpointIndex) remove(key uint32) *endpoint {
	prev := &x.buckets[hashKey(key)]
	for e := *prev; e != nil; e = e.chain {
		if e.key == key {
			*prev = e.chain
			e.chain = nil
			x.count--
			return e
		}
		prev = &e.chain
	}
	return nil
}

// each visits every record. fn must not modify the index.
func (x *endpointIndex) each(fn func(e *endpoint)) {
	for _, head := range x.buckets {
		for e := head; e != nil; e = e.chain {
			fn(e)
		}
	}
}

func (x *endpointIndex) len() int { return x.count }
