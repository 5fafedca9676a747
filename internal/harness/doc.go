// Package harness runs conversation scenarios against the full turn
// pipeline as executable contract tests.
//
// Scenarios are YAML files describing one session: report capabilities,
// stub report tables, and a sequence of user turns with expectations on
// the resulting payloads.
//
//	name: sales_ranking
//	description: "Ranking ask selects the sales report"
//	session: sales-1
//	clock: "2025-06-15"
//	reports:
//	  - name: Sales Register
//	    module: Accounts
//	    filters:
//	      - fieldname: company
//	        label: Company
//	        required: true
//	tables:
//	  Sales Register:
//	    columns:
//	      - fieldname: customer
//	        label: Customer
//	    rows:
//	      - customer: Globex
//	turns:
//	  - message: "top 5 customers by revenue last month"
//	    spec: { intent: READ, metric: revenue }
//	    expect:
//	      payload_type: report_table
//	      report_name: Sales Register
//
// Every scenario executes with a deterministic clock and an in-memory
// session store, so repeated runs produce identical traces and golden
// digests can be compared byte for byte.
package harness
