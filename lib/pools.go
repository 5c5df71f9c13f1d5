package lib

import (
	"fmt"
)

var sendPool = newDatagramPool(MaxDatagramSize)
var recvPool = newDatagramPool(RecvBufferSize)
var packetPool = &BufferPool{m: newPoolMetrics()}

func StartPoolMetrics() {
	sendPool.m.start()
	recvPool.m.start()
	packetPool.m.start()
}

func ReleasePoolMetrics() {
	sendPool.m.release()
	recvPool.m.release()
	packetPool.m.release()
}

func JsonStringPoolMetrics() string {
	return fmt.Sprintf("{\"sendPool\" = %s, \"recvPool\" = %s, \"packetPool\" = %s}",
		sendPool.m.metricsString(),
		recvPool.m.metricsString(),
		packetPool.m.metricsString(),
	)
}
