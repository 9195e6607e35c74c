package roborock

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// hawkHeader signs a parameterless request to the IoT API. The two trailing
// empty fields stand for the query and form digests.
func hawkHeader(rriot RRiot, path string, now time.Time, nonce string) string {
	ts := now.Unix()
	signed := strings.Join([]string{
		rriot.U,
		rriot.S,
		nonce,
		fmt.Sprint(ts),
		md5Hex([]byte(path)),
		"",
		"",
	}, ":")
	mac := hmac.New(sha256.New, []byte(rriot.H))
	mac.Write([]byte(signed))
	return fmt.Sprintf(`Hawk id="%s",s="%s",ts="%d",nonce="%s",mac="%s"`,
		rriot.U, rriot.S, ts, nonce, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}
