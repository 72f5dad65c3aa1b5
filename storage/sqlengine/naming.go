// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package sqlengine

import "fmt"

const (
	metaTable     = "metadata"
	pkColumn      = "nsp_pk"
	dataColumn    = "nsp_data"
	keyColumn     = "nsp_key"
	refPkColumn   = "nsp_refpk"
	schemaVerKey  = "schemaVersion"
	driverCapsKey = "driverCapabilities"
)

func storeTable(store string) string { return store }

func tempTable(store string) string { return "temp_" + store }

func separateIndexTable(store, index string) string { return store + "_" + index }

func indexColumn(index string) string { return "nsp_i_" + index }

func metaKey(store, index string) string { return store + "_" + index }
