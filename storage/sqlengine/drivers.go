// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package sqlengine implements a relational storage engine: a schema
// migrator that reconciles a desired schema against on-disk metadata, and
// a document/index mapping built on database/sql and go-sqlbuilder.
package sqlengine

import (
	"github.com/huandu/go-sqlbuilder"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"github.com/kvdoc/kvdoc/internal/logging"
	"github.com/kvdoc/kvdoc/storage"
)

// Dialect names the driver and SQL flavor a Store talks to.
type Dialect struct {
	name       string
	driverName string
	flavor     sqlbuilder.Flavor
}

var (
	// SQLite talks to modernc.org/sqlite, the default, dependency-free
	// backend.
	SQLite = Dialect{name: "sqlite", driverName: "sqlite", flavor: sqlbuilder.SQLite}
	// MySQL talks to go-sql-driver/mysql.
	MySQL = Dialect{name: "mysql", driverName: "mysql", flavor: sqlbuilder.MySQL}
	// Postgres talks to lib/pq.
	Postgres = Dialect{name: "postgres", driverName: "postgres", flavor: sqlbuilder.PostgreSQL}
	// SQLServer talks to microsoft/go-mssqldb.
	SQLServer = Dialect{name: "sqlserver", driverName: "sqlserver", flavor: sqlbuilder.SQLServer}
)

func init() {
	for _, d := range []Dialect{SQLite, MySQL, Postgres, SQLServer} {
		d := d
		storage.RegisterBackend(storage.Backend("sql-"+d.name), func() storage.Store {
			return New(d, logging.NewNoOp())
		})
	}
}
