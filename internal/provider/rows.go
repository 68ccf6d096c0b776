package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// decodeRow 把按 keys 顺序排列的数组行还原成记录。
// 所有值统一转成字符串，空值直接丢弃，金额字段交给 decimal 解析。
func decodeRow(keys []string, row []interface{}, out interface{}) error {
	if len(keys) == 0 {
		return fmt.Errorf("key_list 为空")
	}
	fields := make(map[string]string, len(keys))
	for i, key := range keys {
		if i >= len(row) {
			break
		}
		v := stringify(row[i])
		if v == "" {
			continue
		}
		fields[key] = v
	}
	buf, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, out)
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
