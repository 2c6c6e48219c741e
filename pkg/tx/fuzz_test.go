package tx

import (
	"encoding/json"
	"testing"
)

// FuzzTxUnmarshal tests that arbitrary JSON input does not panic when
// unmarshaled into a Transaction struct.
func FuzzTxUnmarshal(f *testing.F) {
	f.Add([]byte(`{"calls":[{"contract_id":"0000000000000000000000000000000000000000000000000000000000000000","function_code":1,"data":"","parent_indices":[]}],"proofs":["00"],"signatures":["00"]}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"calls":null,"proofs":null,"signatures":null}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var txn Transaction
		if err := json.Unmarshal(data, &txn); err != nil {
			return
		}
		// If unmarshal succeeded, these must not panic.
		txn.Hash()
		txn.SigningBytes()
		txn.Validate()
	})
}
