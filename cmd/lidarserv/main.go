// Copyright 2021 Grail Inc.
//
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// lidarserv indexes streaming LiDAR point clouds and serves
// level-of-detail queries over TCP.
//
// Usage:
//
//	lidarserv init [flags] <dir>     initialize an empty index
//	lidarserv serve [flags] <dir>    serve an index over TCP
package main

import (
	"log"

	"v.io/x/lib/cmdline"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(&cmdline.Command{
		Name:     "lidarserv",
		Short:    "Streaming LOD point cloud indexer",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdInit(),
			newCmdServe(),
		},
	})
}
