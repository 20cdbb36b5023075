// Package main is the pageserver process entrypoint: config load, remote
// adapter construction, and attach/deletion-queue wiring.
// This file translates cmn errors into HTTP status codes.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import "github.com/pageserver/pageserver/cmn"

// StatusCode exposes cmn.HTTPStatus to a caller that builds an HTTP
// control-plane surface. No such server is implemented here — this is only the translation
// a caller needs.
func StatusCode(err error) int { return cmn.HTTPStatus(err) }
