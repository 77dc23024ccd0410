package cip

import (
	"encoding/binary"
	"fmt"
)

// Multiple Service Packet (service 0x0A) allows batching multiple CIP requests.
const SvcMultipleServicePacket byte = 0x0A

// MaxMultiServiceRequests caps the number of requests packed into one packet.
const MaxMultiServiceRequests = 200

// BuildMultipleServiceRequest wraps requests in a Multiple Service Packet addressed to
// the Message Router: 0A 02 20 02 24 01, service count, offset table, then the requests.
// Offsets are relative to the start of the service count.
func BuildMultipleServiceRequest(requests []Request) ([]byte, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("MultipleService: no requests provided")
	}
	if len(requests) > MaxMultiServiceRequests {
		return nil, fmt.Errorf("MultipleService: too many requests (%d), max %d", len(requests), MaxMultiServiceRequests)
	}

	path, err := EPath().Class(ClassMessageRouter).Instance(0x01).Build()
	if err != nil {
		return nil, err
	}

	serviceData := make([][]byte, len(requests))
	for i, req := range requests {
		serviceData[i] = req.Marshal()
	}

	// Header: [service count: 2 bytes] [offsets: 2 bytes each]
	headerSize := 2 + len(requests)*2
	total := headerSize
	for _, svc := range serviceData {
		total += len(svc)
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("MultipleService: packet too large (%d bytes)", total)
	}

	result := make([]byte, 0, 2+len(path)+total)
	result = append(result, SvcMultipleServicePacket, path.WordLen())
	result = append(result, path...)
	result = binary.LittleEndian.AppendUint16(result, uint16(len(requests)))

	offset := headerSize
	for _, svc := range serviceData {
		result = binary.LittleEndian.AppendUint16(result, uint16(offset))
		offset += len(svc)
	}
	for _, svc := range serviceData {
		result = append(result, svc...)
	}

	return result, nil
}

// ServiceReply is a single reply from a Multiple Service Packet.
type ServiceReply struct {
	Service   byte   // Reply service code (original | 0x80)
	Status    byte   // General status
	ExtStatus []byte // Extended status (if any)
	Data      []byte // Reply data
}

// ParseMultipleServiceResponse parses the data of a Multiple Service Packet reply,
// starting at the service count.
func ParseMultipleServiceResponse(data []byte) ([]ServiceReply, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: multiple service reply too short: %d bytes", ErrMalformedReply, len(data))
	}

	serviceCount := int(binary.LittleEndian.Uint16(data[0:2]))
	if serviceCount == 0 {
		return nil, nil
	}

	minSize := 2 + serviceCount*2
	if len(data) < minSize {
		return nil, fmt.Errorf("%w: multiple service reply too short for %d services", ErrMalformedReply, serviceCount)
	}

	offsets := make([]int, serviceCount)
	for i := 0; i < serviceCount; i++ {
		offsets[i] = int(binary.LittleEndian.Uint16(data[2+i*2 : 4+i*2]))
	}

	replies := make([]ServiceReply, serviceCount)
	for i := 0; i < serviceCount; i++ {
		start := offsets[i]
		end := len(data)
		if i < serviceCount-1 {
			end = offsets[i+1]
		}
		if start >= len(data) || start >= end || end > len(data) {
			return nil, fmt.Errorf("%w: bad offset %d for service %d", ErrMalformedReply, start, i)
		}

		svcData := data[start:end]
		if len(svcData) < 4 {
			return nil, fmt.Errorf("%w: service %d reply is %d bytes", ErrMalformedReply, i, len(svcData))
		}

		reply := ServiceReply{
			Service: svcData[0],
			// svcData[1] is reserved
			Status: svcData[2],
		}

		extStatusSize := int(svcData[3]) * 2
		dataStart := 4 + extStatusSize
		if extStatusSize > 0 && len(svcData) >= dataStart {
			reply.ExtStatus = svcData[4:dataStart]
		}
		if dataStart < len(svcData) {
			reply.Data = svcData[dataStart:]
		}

		replies[i] = reply
	}

	return replies, nil
}
