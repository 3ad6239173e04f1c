package vbucket

import (
	"cmp"
	"crypto/md5"
	"hash/crc32"
	"slices"
	"strconv"
)

// pointsPerHash * hashesPerServer points per server on the ketama ring.
const (
	hashesPerServer = 40
	pointsPerHash   = 4
)

type continuumPoint struct {
	point uint32
	index int
}

func vbHash(key []byte) uint32 {
	return (crc32.ChecksumIEEE(key) >> 16) & 0x7fff
}

func ketamaHash(key []byte) uint32 {
	digest := md5.Sum(key)
	return ketamaPoint(digest[:], 0)
}

func ketamaPoint(digest []byte, n int) uint32 {
	return uint32(digest[3+n*4])<<24 |
		uint32(digest[2+n*4])<<16 |
		uint32(digest[1+n*4])<<8 |
		uint32(digest[n*4])
}

// buildContinuum sorts the data servers by authority and places 160 points
// per server on the ring.
func (c *Config) buildContinuum() {
	data := c.Servers[:c.NumDataServers]
	slices.SortStableFunc(data, func(a, b Server) int {
		return cmp.Compare(a.Authority, b.Authority)
	})

	points := make([]continuumPoint, 0, len(data)*hashesPerServer*pointsPerHash)
	for ix := range data {
		for h := range hashesPerServer {
			digest := md5.Sum([]byte(data[ix].Authority + "-" + strconv.Itoa(h)))
			for n := range pointsPerHash {
				points = append(points, continuumPoint{point: ketamaPoint(digest[:], n), index: ix})
			}
		}
	}
	slices.SortStableFunc(points, func(a, b continuumPoint) int {
		return cmp.Compare(a.point, b.point)
	})
	c.continuum = points
}

// mapKetama returns the server owning the first point at or after the key's
// hash, wrapping to the start of the ring.
func (c *Config) mapKetama(key []byte) int {
	if len(c.continuum) == 0 {
		return -1
	}
	digest := ketamaHash(key)
	i, _ := slices.BinarySearchFunc(c.continuum, digest, func(p continuumPoint, d uint32) int {
		return cmp.Compare(p.point, d)
	})
	if i == len(c.continuum) {
		i = 0
	}
	return c.continuum[i].index
}
