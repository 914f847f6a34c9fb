package realtime

// Inbound events
const (
	EventSidebar            = "sidebar"
	EventJoinRoom           = "joinRoom"
	EventSeen               = "seen"
	EventNewMessage         = "newMessage"
	EventNewGroupMessage    = "newGroupMessage"
	EventEditMessage        = "editMessage"
	EventDeleteMessage      = "deleteMessage"
	EventDeleteConversation = "deleteConversation"

	EventCreateGroupChat       = "createGroupChat"
	EventAddMembersToGroup     = "addMembersToGroup"
	EventRemoveMemberFromGroup = "removeMemberFromGroup"
	EventToggleDeputyAdmin     = "toggleDeputyAdmin"
	EventToggleMuteMember      = "toggleMuteMember"
	EventUpdateGroupDetails    = "updateGroupDetails"
	EventTransferAdminAndLeave = "transferAdminAndLeave"
	EventLeaveGroup            = "leaveGroup"
	EventDeleteGroup           = "deleteGroup"

	EventSendFriendRequest   = "sendFriendRequest"
	EventCancelFriendRequest = "cancelFriendRequest"
	EventAcceptFriendRequest = "acceptFriendRequest"
	EventRejectFriendRequest = "rejectFriendRequest"
	EventRemoveFriend        = "removeFriend"
	EventCheckFriendStatus   = "checkFriendStatus"

	EventCallUser     = "call-user"
	EventAnswerCall   = "answer-call"
	EventRejectCall   = "reject-call"
	EventEndCall      = "end-call"
	EventICECandidate = "ice-candidate"
)

// Outbound events
const (
	EventOnlineUser          = "onlineUser"
	EventConversation        = "conversation"
	EventMessageUser         = "messageUser"
	EventMessage             = "message"
	EventGroupMessage        = "groupMessage"
	EventConversationDeleted = "conversationDeleted"

	EventGroupCreated        = "groupCreated"
	EventMembersAdded        = "membersAdded"
	EventMemberRemoved       = "memberRemoved"
	EventRemovedFromGroup    = "removedFromGroup"
	EventDeputyAdminToggled  = "deputyAdminToggled"
	EventMuteToggled         = "muteToggled"
	EventGroupDetailsUpdated = "groupDetailsUpdated"
	EventAdminTransferred    = "adminTransferred"
	EventLeftGroup           = "leftGroup"
	EventGroupDeleted        = "groupDeleted"

	EventFriendRequestSent      = "friendRequestSent"
	EventFriendRequestReceived  = "friendRequestReceived"
	EventFriendRequestCancelled = "friendRequestCancelled"
	EventFriendRequestAccepted  = "friendRequestAccepted"
	EventFriendRequestRejected  = "friendRequestRejected"
	EventFriendRemoved          = "friendRemoved"
	EventFriendStatus           = "friendStatus"

	EventCallInitiated  = "call-initiated"
	EventIncomingCall   = "incoming-call"
	EventCallAccepted   = "call-accepted"
	EventCallRejected   = "call-rejected"
	EventCallEnded      = "call-ended"
	EventCallTerminated = "call-terminated"
)

// Error events
const (
	EventError              = "error"
	EventMessageError       = "messageError"
	EventGroupError         = "groupError"
	EventFriendRequestError = "friendRequestError"
	EventCallError          = "callError"
)
